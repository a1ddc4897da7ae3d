package evloop

import "strings"

// MultiError aggregates independent failures from teardown paths that
// must keep going after the first error.
type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is and errors.As see through the aggregate.
func (m MultiError) Unwrap() []error {
	return m
}
