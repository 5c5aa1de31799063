package bytecode

import "tlog.app/go/errors"

// LoadError reports a problem found while decoding a bytecode file. It
// carries enough context (byte offset, field) to locate the bad input;
// callers typically errors.Wrap it once more with the file name.
type LoadError struct {
	Offset int
	Field  string
	err    error
}

func (e *LoadError) Error() string {
	return errors.Wrap(e.err, "at offset %d (%s)", e.Offset, e.Field).Error()
}

func (e *LoadError) Unwrap() error { return e.err }

func newLoadError(offset int, field string, err error) error {
	return &LoadError{Offset: offset, Field: field, err: err}
}

// StaticError reports a problem found by the type-inference pass: a
// type mismatch in a comparison or binary op, not on a non-boolean,
// neg on an array, loadIdx/length on a non-array, const with isArray,
// or an unresolved temporary.
type StaticError struct {
	Func string
	Msg  string
}

func (e *StaticError) Error() string {
	return errors.New("static analysis: func %s: %s", e.Func, e.Msg).Error()
}

func newStaticError(fn, format string, args ...any) error {
	return &StaticError{Func: fn, Msg: errors.New(format, args...).Error()}
}
