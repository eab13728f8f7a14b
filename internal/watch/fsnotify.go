package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultIgnore lists directories never watched.
var DefaultIgnore = []string{".git", "node_modules", "**/.git", "**/node_modules"}

// FSNotifySource watches a directory tree recursively. New directories are
// picked up as they appear.
type FSNotifySource struct {
	watcher *fsnotify.Watcher
	root    string
	ignore  []string
	logger  *slog.Logger

	events chan Event
	errors chan error

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewFSNotifySource starts watching root. ignore holds doublestar patterns
// matched against slash-separated paths relative to root.
func NewFSNotifySource(root string, ignore []string, logger *slog.Logger) (*FSNotifySource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	s := &FSNotifySource{
		watcher: fsw,
		root:    abs,
		ignore:  ignore,
		logger:  logger.With("component", "fswatch"),
		events:  make(chan Event, 256),
		errors:  make(chan error, 16),
		closeCh: make(chan struct{}),
	}
	if err := s.addTree(abs, false); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func (s *FSNotifySource) Events() <-chan Event { return s.events }
func (s *FSNotifySource) Errors() <-chan error { return s.errors }

// Close stops the watcher and closes both channels.
func (s *FSNotifySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()

	err := s.watcher.Close()
	s.wg.Wait()
	close(s.events)
	close(s.errors)
	return err
}

func (s *FSNotifySource) ignored(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range s.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// addTree registers dir and every directory below it. With report set,
// entries found below dir are sent as creates: a directory moved into the
// tree arrives as a single event for its root.
func (s *FSNotifySource) addTree(dir string, report bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			// unreadable subtree
			return nil
		}
		if s.ignored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if report && p != dir {
			s.send(p, OpCreate)
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (s *FSNotifySource) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.sendError(err)
		}
	}
}

func (s *FSNotifySource) handle(ev fsnotify.Event) {
	op := convertOp(ev.Op)
	if op == 0 || s.ignored(ev.Name) {
		return
	}

	if op&OpCreate != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			s.send(ev.Name, op)
			if err := s.addTree(ev.Name, true); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.sendError(err)
			}
			return
		}
	}
	s.send(ev.Name, op)
}

func (s *FSNotifySource) send(path string, op Op) {
	select {
	case s.events <- Event{Path: path, Op: op, At: time.Now()}:
	case <-s.closeCh:
	default:
		s.logger.Warn("Event buffer full, dropping event", "path", path)
	}
}

func (s *FSNotifySource) sendError(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}
