package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint is the BLAKE3 hash of raw config bytes, used to tell whether a
// running watch session is still on the current file.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// FileFingerprint fingerprints a file on disk.
func FileFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return Fingerprint(data), nil
}

// Stale reports whether the file behind cfg changed since it was loaded.
func (c *Config) Stale() (bool, error) {
	fp, err := FileFingerprint(c.Path)
	if err != nil {
		return false, err
	}
	return fp != c.Fingerprint, nil
}
