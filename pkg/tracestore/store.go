// Package tracestore keeps the records of a trace in a temporary file
// while the trace runs and loads them back as a Tree when it completes.
package tracestore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ttdtools/timetrack/pkg/logflags"
)

// StoreIOError is returned when the trace log can not be created, written
// or read back.
type StoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("trace log %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error {
	return e.Err
}

// Store is an append only log of records backed by a temporary file.
// The file is deleted by Remove, which callers must always call.
type Store struct {
	path string
	f    *os.File
	w    *bufio.Writer
	n    int
	log  logflags.Logger
}

// Create creates a new trace log in dir, or in the system temporary
// directory if dir is empty.
func Create(dir string) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("timetrack-%s.trace", uuid.New()))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, &StoreIOError{Op: "create", Path: path, Err: err}
	}
	s := &Store{path: path, f: f, w: bufio.NewWriter(f), log: logflags.StoreLogger()}
	if logflags.Store() {
		s.log.Debugf("created %s", path)
	}
	return s, nil
}

// Path returns the path of the backing file.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of records appended.
func (s *Store) Len() int {
	return s.n
}

// Append writes r at the end of the log.
func (s *Store) Append(r Record) error {
	if s.f == nil {
		return &StoreIOError{Op: "write", Path: s.path, Err: os.ErrClosed}
	}
	if err := r.encode(s.w); err != nil {
		return &StoreIOError{Op: "write", Path: s.path, Err: err}
	}
	s.n++
	return nil
}

// Tree reads back every record appended so far. A truncated record at the
// end of the log is ignored.
func (s *Store) Tree() (*Tree, error) {
	if s.f == nil {
		return nil, &StoreIOError{Op: "read", Path: s.path, Err: os.ErrClosed}
	}
	if err := s.w.Flush(); err != nil {
		return nil, &StoreIOError{Op: "write", Path: s.path, Err: err}
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, &StoreIOError{Op: "seek", Path: s.path, Err: err}
	}
	defer s.f.Seek(0, io.SeekEnd)
	return readTree(bufio.NewReader(s.f), s.path, s.log)
}

func readTree(rd io.Reader, path string, log logflags.Logger) (*Tree, error) {
	tree := NewTree()
	buf := make([]byte, RecordSize)
	for {
		_, err := io.ReadFull(rd, buf)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			log.Warnf("%s: ignoring truncated record after %d records", path, tree.Len())
			break
		}
		if err != nil {
			return nil, &StoreIOError{Op: "read", Path: path, Err: err}
		}
		r, err := decodeRecord(buf)
		if err != nil {
			return nil, &StoreIOError{Op: "read", Path: path, Err: err}
		}
		tree.Add(r)
	}
	return tree, nil
}

// Remove closes and deletes the backing file. It can be called more than
// once.
func (s *Store) Remove() error {
	if s.f == nil {
		return nil
	}
	s.f.Close()
	s.f = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return &StoreIOError{Op: "remove", Path: s.path, Err: err}
	}
	if logflags.Store() {
		s.log.Debugf("removed %s", s.path)
	}
	return nil
}
