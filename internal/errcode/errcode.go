// Package errcode holds the stable error identifiers shared by the node's
// components. A Code is comparable and implements error, so callers match
// failures with errors.Is regardless of how deeply they were wrapped.
package errcode

// Code is a stable, log-facing error identifier.
type Code string

func (c Code) Error() string { return string(c) }

// E carries a Code together with the failing operation and its cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

// New wraps cause under code c for operation op.
func New(c Code, op string, cause error) *E {
	return &E{C: c, Op: op, Err: cause}
}

// Newf is New with a human readable message and no cause.
func Newf(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, SomeCode) match an *E carrying that code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of extracts a Code from err. nil maps to the empty code and unknown errors
// to Unknown.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	type coder interface{ Code() Code }
	for e := err; e != nil; {
		switch x := e.(type) {
		case Code:
			return x
		case coder:
			return x.Code()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return Unknown
}

// Unknown is returned by Of for errors that carry no code.
const Unknown Code = "unknown"
