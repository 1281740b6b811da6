package sink

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tanq16/dlcore/internal/engine"
)

const bufferSize = 32 * 1024

var ErrNotSeekable = errors.New("sink is append-only")

// FileFactory opens file sinks. Append-only factories never seek; they suit
// outputs where random access is unavailable.
type FileFactory struct {
	AppendOnly bool
}

func NewFileFactory(appendOnly bool) *FileFactory {
	return &FileFactory{AppendOnly: appendOnly}
}

func (f *FileFactory) SupportsSeek() bool {
	return !f.AppendOnly
}

func (f *FileFactory) Create(path string) (engine.Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if f.AppendOnly {
		flags |= os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		file:     file,
		writer:   bufio.NewWriterSize(file, bufferSize),
		seekable: !f.AppendOnly,
	}, nil
}

// FileSink is a buffered writer over one file. Sync flushes the buffer and
// fsyncs; Seek and SetLength flush first so nothing lands at the wrong offset.
type FileSink struct {
	file     *os.File
	writer   *bufio.Writer
	seekable bool
	closed   bool
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

func (s *FileSink) Sync() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileSink) Seek(offset int64) error {
	if !s.seekable {
		return ErrNotSeekable
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	_, err := s.file.Seek(offset, 0)
	return err
}

func (s *FileSink) SetLength(n int64) error {
	if !s.seekable {
		return ErrNotSeekable
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Truncate(n)
}

func (s *FileSink) SupportsSeek() bool {
	return s.seekable
}

func (s *FileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	return errors.Join(flushErr, closeErr)
}
