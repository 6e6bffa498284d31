package io

import "io"

// DotTerminatedWriter wraps a raw connection writer and appends the
// DATA terminator (CRLF "." CRLF) on Close. It tracks whether the last
// bytes written were already a CRLF so it never emits a blank line
// before the terminator.
type DotTerminatedWriter struct {
	w           io.Writer
	lastWasCRLF bool
	wroteAny    bool
}

// NewDotTerminatedWriter wraps w.
func NewDotTerminatedWriter(w io.Writer) *DotTerminatedWriter {
	return &DotTerminatedWriter{w: w}
}

func (d *DotTerminatedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := d.w.Write(p)
	if n > 0 {
		d.wroteAny = true
		d.lastWasCRLF = n >= 2 && p[n-2] == '\r' && p[n-1] == '\n'
	}
	return n, err
}

// Close writes the terminating "CRLF . CRLF", adding a leading CRLF
// first if the payload did not already end on one.
func (d *DotTerminatedWriter) Close() error {
	var term []byte
	if d.wroteAny && !d.lastWasCRLF {
		term = append(term, '\r', '\n')
	}
	term = append(term, '.', '\r', '\n')
	_, err := d.w.Write(term)
	return err
}

// DotStuffingWriter wraps a DotTerminatedWriter (or any io.Writer) and
// inserts an extra "." at the start of any payload line that begins
// with one, so the terminator sequence stays unambiguous. Line starts
// are tracked by observing CRLF in the stream; the writer begins in
// the "at line start" state.
type DotStuffingWriter struct {
	w           io.Writer
	atLineStart bool
}

// NewDotStuffingWriter wraps w.
func NewDotStuffingWriter(w io.Writer) *DotStuffingWriter {
	return &DotStuffingWriter{w: w, atLineStart: true}
}

func (d *DotStuffingWriter) Write(p []byte) (int, error) {
	start := 0
	for i := 0; i < len(p); i++ {
		if d.atLineStart && p[i] == '.' {
			if err := d.flush(p[start:i]); err != nil {
				return start, err
			}
			if _, err := d.w.Write([]byte{'.'}); err != nil {
				return start, err
			}
			start = i
			d.atLineStart = false
		}
		if p[i] == '\n' && i > 0 && p[i-1] == '\r' {
			d.atLineStart = true
		} else if p[i] != '\r' {
			d.atLineStart = false
		}
	}
	if err := d.flush(p[start:]); err != nil {
		return start, err
	}
	return len(p), nil
}

func (d *DotStuffingWriter) flush(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := d.w.Write(p)
	return err
}

// Close closes the underlying writer if it implements io.Closer.
func (d *DotStuffingWriter) Close() error {
	if c, ok := d.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
