package resp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Writer buffers RESP replies. Call Flush to send them.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a Writer over w
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteValue writes v in its wire form
func (w *Writer) WriteValue(v Value) error {
	switch v.Type {
	case TypeSimpleString:
		return w.WriteSimpleString(string(v.Data))
	case TypeError:
		return w.WriteError(string(v.Data))
	case TypeInteger:
		return w.WriteInteger(v.Integer)
	case TypeBulkString:
		if v.IsNull {
			return w.WriteNull()
		}
		return w.WriteBulkString(v.Data)
	case TypeArray:
		if v.IsNull {
			return w.line("*-1")
		}
		if err := w.line("*" + strconv.Itoa(len(v.Array))); err != nil {
			return err
		}
		for _, item := range v.Array {
			if err := w.WriteValue(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type: %c", v.Type)
	}
}

// WriteSimpleString writes a status reply. Line breaks are replaced with
// spaces.
func (w *Writer) WriteSimpleString(s string) error {
	return w.line("+" + oneLine(s))
}

// WriteError writes an error reply
func (w *Writer) WriteError(msg string) error {
	return w.line("-" + oneLine(msg))
}

// WriteInteger writes an integer reply
func (w *Writer) WriteInteger(n int64) error {
	return w.line(":" + strconv.FormatInt(n, 10))
}

// WriteBulkString writes a binary safe string
func (w *Writer) WriteBulkString(data []byte) error {
	if err := w.line("$" + strconv.Itoa(len(data))); err != nil {
		return err
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	_, err := w.bw.WriteString(CRLF)
	return err
}

// WriteNull writes the null bulk string
func (w *Writer) WriteNull() error {
	return w.line("$-1")
}

// WriteCommand writes a request as an array of bulk strings
func (w *Writer) WriteCommand(name string, args ...string) error {
	parts := make([]Value, 0, len(args)+1)
	parts = append(parts, BulkString(name))
	for _, a := range args {
		parts = append(parts, BulkString(a))
	}
	return w.WriteValue(Array(parts...))
}

// WriteOK writes +OK
func (w *Writer) WriteOK() error {
	return w.WriteSimpleString("OK")
}

// Flush sends buffered replies
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) line(s string) error {
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	_, err := w.bw.WriteString(CRLF)
	return err
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
