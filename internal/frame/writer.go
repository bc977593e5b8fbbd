package frame

import (
	"fmt"
	"io"
)

// WriteEvent writes f as one text/event-stream event.
func WriteEvent(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// WriteLine writes f as one streaming-body record.
func WriteLine(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n", b)
	return err
}
