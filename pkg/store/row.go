package store

import (
	"strings"
)

// Kind identifies the storage class a column value was read with.
//
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	default:
		return "null"
	}
}

// Value is a single typed column value as read from the newest row.
//
// Only the field matching Kind is meaningful.
//
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
}

func IntegerValue(v int64) Value { return Value{Kind: KindInteger, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func TextValue(v string) Value   { return Value{Kind: KindText, Text: v} }
func NullValue() Value           { return Value{Kind: KindNull} }

// Column pairs a column name with the value read for it.
//
type Column struct {
	Name  string
	Value Value
}

// Schema is the ordered list of column names of the metrics table, in
// declaration order.
//
type Schema []string

// Has reports whether the schema holds column, compared the way SQLite
// compares identifiers (ASCII case-insensitively).
//
func (s Schema) Has(column string) bool {
	for _, name := range s {
		if strings.EqualFold(name, column) {
			return true
		}
	}

	return false
}

// Row is the newest record of the metrics table, one Column per schema entry
// and in schema order.
//
type Row []Column

// valueOf maps whatever the driver scanned into the storage-class based Value.
//
// The declared SQL type is irrelevant here: the driver hands back int64 for
// INTEGER, float64 for REAL, string for TEXT and nil for NULL. Anything else
// (BLOBs) is treated as null.
//
func valueOf(v interface{}) Value {
	switch t := v.(type) {
	case int64:
		return IntegerValue(t)
	case float64:
		return FloatValue(t)
	case string:
		return TextValue(t)
	default:
		return NullValue()
	}
}
