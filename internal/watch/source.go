// Package watch turns file system activity into debounced task runs.
package watch

import (
	"strings"
	"sync"
	"time"
)

// Op is a bit set of file operations.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (o Op) String() string {
	var parts []string
	for _, p := range []struct {
		op   Op
		name string
	}{
		{OpCreate, "create"},
		{OpWrite, "write"},
		{OpRemove, "remove"},
		{OpRename, "rename"},
		{OpChmod, "chmod"},
	} {
		if o&p.op != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event is one raw change notification.
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Source produces raw change events. Close ends both channels.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// ChanSource is a Source fed by hand, used for synthetic events.
type ChanSource struct {
	events chan Event
	errors chan error
	once   sync.Once
}

func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{
		events: make(chan Event, buffer),
		errors: make(chan error, buffer),
	}
}

// Emit queues a write event for path.
func (s *ChanSource) Emit(path string) {
	s.events <- Event{Path: path, Op: OpWrite, At: time.Now()}
}

// Fail queues a source error.
func (s *ChanSource) Fail(err error) {
	s.errors <- err
}

func (s *ChanSource) Events() <-chan Event { return s.events }
func (s *ChanSource) Errors() <-chan error { return s.errors }

func (s *ChanSource) Close() error {
	s.once.Do(func() {
		close(s.events)
		close(s.errors)
	})
	return nil
}
