package frontend

import "fmt"

type editKind uint8

const (
	editInsert editKind = iota + 1
	editDelete
	editIncrement
)

// Edit is an index-based change a UI makes to the projection
type Edit struct {
	kind  editKind
	field string
	index int
	count int
	text  string
	delta int64
}

// Insert inserts text before the character at index
func Insert(index int, text string) Edit {
	return Edit{kind: editInsert, index: index, text: text}
}

// Delete removes count characters starting at index
func Delete(index, count int) Edit {
	return Edit{kind: editDelete, index: index, count: count}
}

// Increment adds delta to the counter
func Increment(delta int64) Edit {
	return Edit{kind: editIncrement, delta: delta}
}

// On targets a field other than the default one
func (e Edit) On(field string) Edit {
	e.field = field
	return e
}

func (e Edit) String() string {
	switch e.kind {
	case editInsert:
		return fmt.Sprintf("insert(%d, %q)", e.index, e.text)
	case editDelete:
		return fmt.Sprintf("delete(%d, %d)", e.index, e.count)
	case editIncrement:
		return fmt.Sprintf("increment(%d)", e.delta)
	default:
		return "edit(?)"
	}
}
