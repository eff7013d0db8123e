package llm

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// Stream is a finite, non-restartable sequence of content deltas.
// Iterate it like a [bufio.Scanner]:
//
//	for s.Next() {
//		text += s.Delta()
//	}
//	if err := s.Err(); err != nil { ... }
//
// A Stream is not safe for concurrent use. Close releases the
// underlying connection and may be called at any time, including from
// another goroutine to abort a blocked read.
type Stream struct {
	src   source
	delta string
	err   error
	done  bool

	closeOnce sync.Once
	closeErr  error
}

type source interface {
	next() (string, error) // io.EOF after the end marker
	skipped() int
	close() error
}

// Next advances to the next non-empty delta. It returns false at the
// end of the stream or on error.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		d, err := s.src.next()
		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			return false
		}
		if d != "" {
			s.delta = d
			return true
		}
	}
}

// Delta returns the text produced by the last successful Next.
func (s *Stream) Delta() string { return s.delta }

// Err returns the first non-EOF error encountered.
func (s *Stream) Err() error { return s.err }

// Skipped reports how many malformed frames were ignored.
func (s *Stream) Skipped() int { return s.src.skipped() }

// Close releases the stream. It is idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.src.close() })
	return s.closeErr
}

// NewStaticStream returns a stream that yields deltas and then ends
// with err (nil for a clean end). Useful for offline completers.
func NewStaticStream(deltas []string, err error) *Stream {
	return &Stream{src: &staticSource{deltas: deltas, err: err}}
}

type staticSource struct {
	deltas []string
	err    error
	pos    int
}

func (s *staticSource) next() (string, error) {
	if s.pos < len(s.deltas) {
		s.pos++
		return s.deltas[s.pos-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *staticSource) skipped() int { return 0 }
func (s *staticSource) close() error { return nil }

// frameParser decodes one line of a response body. It returns the
// content delta (possibly empty), whether the end marker was seen, and
// an error. errMalformed skips the line; any other error ends the
// stream.
type frameParser func(line string) (delta string, done bool, err error)

type lineSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	parse   frameParser
	bad     int
	ended   bool
}

func newLineStream(body io.ReadCloser, parse frameParser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{src: &lineSource{body: body, scanner: sc, parse: parse}}
}

func (l *lineSource) next() (string, error) {
	if l.ended {
		return "", io.EOF
	}
	for l.scanner.Scan() {
		delta, done, err := l.parse(l.scanner.Text())
		switch {
		case errors.Is(err, errMalformed):
			l.bad++
			continue
		case err != nil:
			return "", err
		}
		if done {
			l.ended = true
			if delta != "" {
				return delta, nil
			}
			return "", io.EOF
		}
		if delta != "" {
			return delta, nil
		}
	}
	if err := l.scanner.Err(); err != nil {
		return "", err
	}
	return "", ErrIncompleteStream
}

func (l *lineSource) skipped() int { return l.bad }
func (l *lineSource) close() error { return l.body.Close() }
