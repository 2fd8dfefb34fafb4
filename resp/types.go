package resp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrProtocol is wrapped by every framing error the Reader returns
var ErrProtocol = errors.New("resp protocol error")

// ValueType is the leading byte of a RESP value
type ValueType byte

const (
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value is one parsed or to-be-written RESP value
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// SimpleString builds a status reply
func SimpleString(s string) Value {
	return Value{Type: TypeSimpleString, Data: []byte(s)}
}

// ErrorValue builds an error reply
func ErrorValue(msg string) Value {
	return Value{Type: TypeError, Data: []byte(msg)}
}

// Integer builds an integer reply
func Integer(n int64) Value {
	return Value{Type: TypeInteger, Integer: n}
}

// BulkString builds a bulk string reply
func BulkString(s string) Value {
	return Value{Type: TypeBulkString, Data: []byte(s)}
}

// Null is the null bulk string
func Null() Value {
	return Value{Type: TypeBulkString, IsNull: true}
}

// Array builds an array reply
func Array(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}
	return Value{Type: TypeArray, Array: values}
}

func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// IsError reports whether v is an error reply
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Command is a request: an upper-cased name and raw arguments
type Command struct {
	Name string
	Args [][]byte
}

// ParseCommand turns an array of bulk strings into a Command
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || v.IsNull || len(v.Array) == 0 {
		return nil, fmt.Errorf("%w: command must be a non-empty array", ErrProtocol)
	}
	for _, item := range v.Array {
		if item.Type != TypeBulkString || item.IsNull {
			return nil, fmt.Errorf("%w: command parts must be bulk strings", ErrProtocol)
		}
	}

	cmd := &Command{
		Name: strings.ToUpper(string(v.Array[0].Data)),
		Args: make([][]byte, len(v.Array)-1),
	}
	for i, item := range v.Array[1:] {
		cmd.Args[i] = item.Data
	}
	return cmd, nil
}

// Arg returns argument i as a string, or "" when absent
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// IntArg parses argument i as a base 10 integer
func (c *Command) IntArg(i int) (int64, error) {
	if i < 0 || i >= len(c.Args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	n, err := strconv.ParseInt(string(c.Args[i]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value is not an integer or out of range")
	}
	return n, nil
}

func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(args, " "))
}
