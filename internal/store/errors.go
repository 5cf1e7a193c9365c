package store

import "fmt"

// SchemaError reports a required column missing at startup. It is fatal:
// the process must not start against a database it does not understand.
type SchemaError struct {
	Table  string
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema check failed: table %s missing column %s", e.Table, e.Column)
}
