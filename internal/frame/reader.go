package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Mode selects how records are delimited.
type Mode int

const (
	// ModeEvent is text/event-stream framing: data lines accumulate until a
	// blank line ends the event.
	ModeEvent Mode = iota
	// ModeLine treats every non-empty line as one record. A leading "data:"
	// is stripped when present.
	ModeLine
)

const (
	// DefaultChunkSize bounds each read from the underlying body.
	DefaultChunkSize = 4096
	// DefaultMaxRecord bounds a single record.
	DefaultMaxRecord = 1 << 20
)

// ErrRecordTooLarge is returned when a record exceeds the configured limit.
var ErrRecordTooLarge = errors.New("frame record too large")

var dataPrefix = []byte("data:")

// Reader splits a byte stream into record payloads.
type Reader struct {
	br        *bufio.Reader
	mode      Mode
	maxRecord int
	pending   [][]byte
	line      []byte
}

// NewReader reads r in chunks of at most chunkSize bytes.
func NewReader(r io.Reader, mode Mode, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{
		br:        bufio.NewReaderSize(r, chunkSize),
		mode:      mode,
		maxRecord: DefaultMaxRecord,
	}
}

// SetMaxRecord overrides DefaultMaxRecord.
func (r *Reader) SetMaxRecord(n int) {
	if n > 0 {
		r.maxRecord = n
	}
}

// Next returns the next record payload. It returns io.EOF once the stream is
// exhausted; a trailing record without its terminator is still returned.
func (r *Reader) Next() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		eof := errors.Is(err, io.EOF)

		if line != nil {
			if rec, ok := r.consume(line); ok {
				return rec, nil
			}
		}
		if eof {
			if rec, ok := r.flush(); ok {
				return rec, nil
			}
			return nil, io.EOF
		}
	}
}

// readLine returns one line without its terminator. At EOF it returns the
// unterminated remainder (possibly nil) together with io.EOF.
func (r *Reader) readLine() ([]byte, error) {
	r.line = r.line[:0]
	for {
		part, err := r.br.ReadSlice('\n')
		r.line = append(r.line, part...)
		if len(r.line) > r.maxRecord {
			return nil, fmt.Errorf("%w: over %d bytes", ErrRecordTooLarge, r.maxRecord)
		}
		switch {
		case err == nil:
			return trimEOL(r.line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(r.line) == 0 {
				return nil, io.EOF
			}
			return trimEOL(r.line), io.EOF
		default:
			return nil, err
		}
	}
}

func (r *Reader) consume(line []byte) ([]byte, bool) {
	if r.mode == ModeLine {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == ':' {
			return nil, false
		}
		if bytes.HasPrefix(line, dataPrefix) {
			line = bytes.TrimSpace(line[len(dataPrefix):])
		}
		if len(line) == 0 {
			return nil, false
		}
		return append([]byte(nil), line...), true
	}

	if len(line) == 0 {
		return r.flush()
	}
	if line[0] == ':' {
		return nil, false
	}
	if bytes.HasPrefix(line, dataPrefix) {
		value := line[len(dataPrefix):]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
		r.pending = append(r.pending, append([]byte(nil), value...))
	}
	// event:, id: and retry: fields carry nothing this client uses.
	return nil, false
}

func (r *Reader) flush() ([]byte, bool) {
	if len(r.pending) == 0 {
		return nil, false
	}
	rec := bytes.Join(r.pending, []byte("\n"))
	r.pending = r.pending[:0]
	return rec, true
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}
