// Package nonempty provides a string type that is either absent or holds a
// non-blank value.
package nonempty

import (
	"errors"
	"strings"
)

// String is an optional string value.
// The zero value is absent. A present String never holds a blank value,
// it can only be created via From or Mandatory.
type String struct {
	value   string
	present bool
}

// From returns a present String if s contains at least one non-whitespace
// character, otherwise an absent String is returned.
// The value is stored verbatim, it is not trimmed.
func From(s string) String {
	if strings.TrimSpace(s) == "" {
		return String{}
	}

	return String{value: s, present: true}
}

// Mandatory returns a present String for s or an error with msg when s is
// blank.
func Mandatory(s, msg string) (String, error) {
	return From(s).OrErr(msg)
}

// MustMandatory is like Mandatory but panics when s is blank.
// It is intended for literals that are known to be non-blank.
func MustMandatory(s string) String {
	v := From(s)
	if !v.present {
		panic("nonempty: blank literal")
	}

	return v
}

// OrErr returns s if it is present, otherwise an error with msg.
func (s String) OrErr(msg string) (String, error) {
	if !s.present {
		return String{}, errors.New(msg)
	}

	return s, nil
}

// Present returns true if s holds a value.
func (s String) Present() bool {
	return s.present
}

// Value returns the value of s. An empty string is returned when s is absent.
func (s String) Value() string {
	return s.value
}

// Or returns the value of s when it is present, otherwise def.
func (s String) Or(def string) string {
	if !s.present {
		return def
	}

	return s.value
}

func (s String) String() string {
	return s.value
}

// Compare orders absent values before present ones, present values are
// ordered by their value.
func Compare(a, b String) int {
	switch {
	case !a.present && !b.present:
		return 0
	case !a.present:
		return -1
	case !b.present:
		return 1
	}

	return strings.Compare(a.value, b.value)
}
