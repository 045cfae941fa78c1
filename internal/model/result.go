package model

// Result is the Ok/Err envelope available to handlers that prefer explicit
// error returns over panics or bare Go errors (spec.md §3, §7). The
// Executor consumes only a handler's returned (output, error) pair; it
// does not accept a Result directly.
type Result[T any] struct {
	ok    bool
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](value T) Result[T] {
	return Result[T]{ok: true, value: value}
}

// Err wraps a failure.
func Err[T any](err error) Result[T] {
	return Result[T]{ok: false, err: err}
}

// IsOk reports success.
func (r Result[T]) IsOk() bool { return r.ok }

// IsErr reports failure.
func (r Result[T]) IsErr() bool { return !r.ok }

// Unwrap returns the value and error; exactly one is meaningful.
func (r Result[T]) Unwrap() (T, error) { return r.value, r.err }

// MapResult transforms an Ok value, passing through Err untouched. Named
// MapResult (not Map) because Go forbids type parameters on methods.
func MapResult[T, U any](r Result[T], f func(T) U) Result[U] {
	if r.IsErr() {
		return Err[U](r.err)
	}
	return Ok(f(r.value))
}

// FlatMapResult chains a Result-returning function onto an Ok value.
func FlatMapResult[T, U any](r Result[T], f func(T) Result[U]) Result[U] {
	if r.IsErr() {
		return Err[U](r.err)
	}
	return f(r.value)
}

// MapErr transforms the error of an Err result, passing through Ok
// untouched.
func (r Result[T]) MapErr(f func(error) error) Result[T] {
	if r.IsOk() {
		return r
	}
	return Err[T](f(r.err))
}

// OrElse returns the wrapped value, or fallback if this Result is an Err.
func (r Result[T]) OrElse(fallback T) T {
	if r.IsOk() {
		return r.value
	}
	return fallback
}
