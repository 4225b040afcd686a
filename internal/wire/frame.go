// Package wire implements the broker's framed text protocol: each
// message is a single frame delimited by '<' and '>', with fields
// separated by ", ".
package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// MaxFrameSize is the maximum number of bytes, including delimiters,
// accepted for a single frame. Larger frames are drained from the
// stream and dropped rather than closing the connection.
const MaxFrameSize = 1024

const fieldSep = ", "

// ErrMalformed is returned by Decode when the byte sequence is not a
// valid frame.
var ErrMalformed = errors.New("wire: malformed frame")

// ErrOversize is returned by Scanner.Next when a frame exceeded
// MaxFrameSize; its bytes have already been drained from the stream.
var ErrOversize = errors.New("wire: frame exceeds maximum size")

// Encode formats fields as a single frame: "<f0, f1, ..., fn>".
func Encode(fields ...string) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(strings.Join(fields, fieldSep))
	b.WriteByte('>')
	return b.String()
}

// Decode parses one whole frame, including its surrounding '<' and
// '>', into its fields. Every field must be non-empty and must not
// contain ','. Use Scanner to pull whole frames off a stream.
func Decode(raw []byte) ([]string, error) {
	if len(raw) < 2 || raw[0] != '<' || raw[len(raw)-1] != '>' {
		return nil, ErrMalformed
	}
	inner := raw[1 : len(raw)-1]
	if len(inner) == 0 {
		return nil, ErrMalformed
	}
	fields := strings.Split(string(inner), fieldSep)
	for _, f := range fields {
		if f == "" || strings.Contains(f, ",") {
			return nil, ErrMalformed
		}
	}
	return fields, nil
}

// Scanner pulls complete frames off a byte stream, silently resyncing
// past noise and malformed frames; an oversize frame is drained and
// reported as ErrOversize.
// Scanner holds partial-frame state across calls so that a transient
// read error (in particular a client-side read-deadline timeout used
// to drive the waiter reaper, spec §4.5 step 6) can interrupt a Next
// call without losing whatever bytes of the in-progress frame had
// already been read; the next call to Next resumes from exactly where
// it left off instead of re-synchronising from scratch.
type Scanner struct {
	r *bufio.Reader

	buf      []byte // bytes of the frame in progress, including the leading '<'; nil between frames
	draining bool   // true while discarding the remainder of an oversize frame
}

// NewScanner wraps r for frame-at-a-time reading.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, MaxFrameSize)}
}

// Next returns the token vector of the next well-formed frame on the
// stream. It skips bytes outside of '<' '>' pairs, and for a frame
// that grows past MaxFrameSize before a closing '>' is seen, it drains
// the remainder of that frame and resumes scanning; the caller
// observes this as ErrOversize for that one frame and should continue
// calling Next. Next only returns a non-wire error (typically io.EOF
// or a net.Error) when the underlying reader fails; on a timeout-style
// error the caller should simply call Next again once ready.
func (s *Scanner) Next() ([]string, error) {
	for {
		if s.draining {
			if err := s.drainTo('>'); err != nil {
				return nil, err
			}
			s.draining = false
			return nil, ErrOversize
		}

		if s.buf == nil {
			if err := s.skipToStart(); err != nil {
				return nil, err
			}
			s.buf = []byte{'<'}
		}

		for {
			b, err := s.r.ReadByte()
			if err != nil {
				return nil, err
			}
			s.buf = append(s.buf, b)

			if len(s.buf) > MaxFrameSize {
				s.buf = nil
				s.draining = true
				break
			}

			if b == '>' {
				fields, decErr := Decode(s.buf)
				s.buf = nil
				if decErr != nil {
					// Malformed frame: drop and resume scanning for
					// the next '<'.
					break
				}
				return fields, nil
			}
		}
	}
}

// skipToStart consumes bytes up to and including the next '<'.
func (s *Scanner) skipToStart() error {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if b == '<' {
			return nil
		}
	}
}

// drainTo consumes bytes up to and including the next occurrence of b.
func (s *Scanner) drainTo(b byte) error {
	for {
		c, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if c == b {
			return nil
		}
	}
}
