package atick

import "fmt"

// Optional holds a value that may not have been observed yet.
type Optional[T any] struct {
	value T
	set   bool
}

// Some wraps a known value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// None is the unknown state.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is known.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether the value is known.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// OrElse returns the value, or def when unknown.
func (o Optional[T]) OrElse(def T) T {
	if !o.set {
		return def
	}
	return o.value
}

// String renders "unknown" for the unset state.
func (o Optional[T]) String() string {
	if !o.set {
		return "unknown"
	}
	return fmt.Sprint(o.value)
}
