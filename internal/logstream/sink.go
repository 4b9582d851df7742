package logstream

import (
	"io"
	"strings"
	"sync"
)

// WriterSink renders a log on a plain writer. A writer cannot be cleared, so
// Clear prints a marker line and rendering continues below it.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	marker string
}

func NewWriterSink(w io.Writer, marker string) *WriterSink {
	return &WriterSink{w: w, marker: marker}
}

func (s *WriterSink) Clear() error {
	if s.marker == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, s.marker+"\n")
	return err
}

func (s *WriterSink) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, text)
	return err
}

// BufferSink keeps the rendered text in memory.
type BufferSink struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *BufferSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Reset()
	return nil
}

func (s *BufferSink) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.WriteString(text)
	return nil
}

func (s *BufferSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
