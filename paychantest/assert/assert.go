// Package assert holds the few checks the table tests need. Each one stops
// the test on failure.
package assert

import (
	"reflect"
	"testing"
)

// Nil stops the test unless v is nil or a nil pointer, slice, map, chan,
// func or interface.
func Nil(t testing.TB, v interface{}) {
	t.Helper()
	if !nilValue(v) {
		// %+v prints the stack of a wrapped error
		t.Fatalf("expected nil, got %+v", v)
	}
}

func nilValue(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// Equal compares with reflect.DeepEqual.
func Equal(t testing.TB, want, got interface{}) {
	t.Helper()
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("mismatch\nwant %T %v\n got %T %v", want, want, got, got)
	}
}

// Panics stops the test if fn returns normally.
func Panics(t testing.TB, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("no panic")
		}
	}()
	fn()
}

// IsErr checks got against a registered error. A nil want expects success.
func IsErr(t testing.TB, want, got error) {
	t.Helper()
	if nilValue(want) {
		if got != nil {
			t.Fatalf("unexpected error %+v", got)
		}
		return
	}
	if m, ok := want.(interface{ Is(error) bool }); ok && m.Is(got) {
		return
	}
	if want == got {
		return
	}
	t.Fatalf("want %q, got %+v", want, got)
}
