package resp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// CRLF terminates every RESP line
	CRLF = "\r\n"

	maxBulkSize   = 64 * 1024 * 1024
	maxArraySize  = 1024 * 1024
	maxInlineSize = 64 * 1024
)

var crlfBytes = []byte(CRLF)

// Reader parses RESP values and inline commands from a stream
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a Reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadNext reads the next RESP value
func (r *Reader) ReadNext() (Value, error) {
	typeByte, err := r.br.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch ValueType(typeByte) {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ValueType(typeByte), Data: line}, nil
	case TypeInteger:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		n, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line)
		}
		return Value{Type: TypeInteger, Integer: n}, nil
	case TypeBulkString:
		return r.readBulkString()
	case TypeArray:
		return r.readArray()
	default:
		return Value{}, fmt.Errorf("%w: unknown type byte 0x%02x", ErrProtocol, typeByte)
	}
}

// ReadCommand reads the next request. Requests are RESP arrays, or a single
// line of space separated words.
func (r *Reader) ReadCommand() (*Command, error) {
	for {
		peek, err := r.br.Peek(1)
		if err != nil {
			return nil, err
		}
		if ValueType(peek[0]) == TypeArray {
			v, err := r.ReadNext()
			if err != nil {
				return nil, err
			}
			return ParseCommand(v)
		}

		line, err := r.br.ReadSlice('\n')
		if err != nil {
			if err == bufio.ErrBufferFull {
				return nil, fmt.Errorf("%w: inline command too long", ErrProtocol)
			}
			return nil, err
		}
		if len(line) > maxInlineSize {
			return nil, fmt.Errorf("%w: inline command too long", ErrProtocol)
		}
		fields := bytes.Fields(line)
		if len(fields) == 0 {
			continue
		}
		parts := make([]Value, len(fields))
		for i, f := range fields {
			parts[i] = Value{Type: TypeBulkString, Data: append([]byte(nil), f...)}
		}
		return ParseCommand(Array(parts...))
	}
}

func (r *Reader) readLength(what string, max int64) (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil || n < -1 || n > max {
		return 0, fmt.Errorf("%w: invalid %s length %q", ErrProtocol, what, line)
	}
	return n, nil
}

func (r *Reader) readBulkString() (Value, error) {
	length, err := r.readLength("bulk string", maxBulkSize)
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return Null(), nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Value{}, err
	}
	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}
	return Value{Type: TypeBulkString, Data: data}, nil
}

func (r *Reader) readArray() (Value, error) {
	length, err := r.readLength("array", maxArraySize)
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return Value{Type: TypeArray, IsNull: true}, nil
	}

	array := make([]Value, length)
	for i := range array {
		if array[i], err = r.ReadNext(); err != nil {
			return Value{}, err
		}
	}
	return Value{Type: TypeArray, Array: array}, nil
}

func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(line, crlfBytes) {
		return nil, fmt.Errorf("%w: missing CRLF terminator", ErrProtocol)
	}
	return line[:len(line)-2], nil
}

func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.br, crlf[:]); err != nil {
		return err
	}
	if !bytes.Equal(crlf[:], crlfBytes) {
		return fmt.Errorf("%w: expected CRLF, got [%d, %d]", ErrProtocol, crlf[0], crlf[1])
	}
	return nil
}
