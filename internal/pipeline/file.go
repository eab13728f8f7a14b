package pipeline

import (
	"io/fs"
	"path/filepath"
)

// File is one record flowing through a pipeline. The stage holding a File
// owns it; sending it downstream hands ownership over.
type File struct {
	// Path is slash-separated and relative to Base.
	Path     string
	Base     string
	Contents []byte
	Mode     fs.FileMode
	// Glob is the source pattern that matched this file.
	Glob string
	// Virtual files were produced in memory and never read from disk, or
	// were streamed path-only.
	Virtual bool
}

// AbsPath returns the on-disk location of the file under its base.
func (f *File) AbsPath() string {
	return filepath.Join(f.Base, filepath.FromSlash(f.Path))
}

// Clone returns a deep copy.
func (f *File) Clone() *File {
	cp := *f
	if f.Contents != nil {
		cp.Contents = append([]byte(nil), f.Contents...)
	}
	return &cp
}
