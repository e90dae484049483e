package sequencer

import "fmt"

// SequenceError is returned when a Record cannot be packed or when bytes do
// not decode into a Record.
type SequenceError struct {
	// Type is the name of the record type being packed or unpacked.
	Type string

	// Field is the field at fault, if the failure is tied to one.
	Field string

	Msg string
}

// Error implements error.Error.
func (e *SequenceError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Msg)
	}
	return fmt.Sprintf("%s.%s: %s", e.Type, e.Field, e.Msg)
}

func seqErr(t *Type, f *Field, format string, args ...interface{}) error {
	e := &SequenceError{Type: t.name, Msg: fmt.Sprintf(format, args...)}
	if f != nil {
		e.Field = f.Name
	}
	return e
}

// GrammarError is returned by Compile for schema text that cannot be
// compiled.
type GrammarError struct {
	// Line is the 1-based line of the schema text.
	Line int

	Msg string
}

// Error implements error.Error.
func (e *GrammarError) Error() string {
	return fmt.Sprintf("sequencer: line %d: %s", e.Line, e.Msg)
}
