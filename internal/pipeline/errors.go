package pipeline

import (
	"errors"
	"fmt"
)

// ErrEmptyOutput is returned when files were matched but none reached the end
// of the pipeline and the empty-output policy is fail.
var ErrEmptyOutput = errors.New("pipeline produced no output files")

// StageFailure is a fatal stage error. Path is empty when the failure is not
// tied to a single file.
type StageFailure struct {
	Stage string
	Path  string
	Err   error
}

func (e *StageFailure) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("stage %s failed on %s: %v", e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// Fail builds a StageFailure for a specific file. The runner fills in the
// stage name.
func Fail(f *File, err error) error {
	var existing *StageFailure
	if errors.As(err, &existing) {
		return err
	}
	sf := &StageFailure{Err: err}
	if f != nil {
		sf.Path = f.Path
	}
	return sf
}
