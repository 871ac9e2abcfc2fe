package query

import "errors"

// ErrBindError is returned when a query references a bind variable
// (@name) that was not supplied in the execution's bind map (§4.G).
var ErrBindError = errors.New("query: missing bind variable")

// BindError names the specific missing bind.
type BindError struct {
	Name string
}

func (e *BindError) Error() string { return "missing bind variable @" + e.Name }
func (e *BindError) Unwrap() error { return ErrBindError }
