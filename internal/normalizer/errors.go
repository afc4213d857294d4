package normalizer

import "fmt"

// MalformedEventError reports a payload that could not be turned into an issue.
// The webhook still acknowledges the delivery; the event is logged and dropped.
type MalformedEventError struct {
	Source string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s event: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s event: %s", e.Source, e.Reason)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}
