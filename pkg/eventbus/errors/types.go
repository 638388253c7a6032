package errors

import "fmt"

// ValidationError indicates a payload does not have the shape a handler or
// schema expects.
type ValidationError struct {
	EventType string
	Field     string
	Message   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.EventType != "" && e.Field != "":
		return fmt.Sprintf("validation error on %s.%s: %s", e.EventType, e.Field, e.Message)
	case e.Field != "":
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	case e.EventType != "":
		return fmt.Sprintf("validation error on %s: %s", e.EventType, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
