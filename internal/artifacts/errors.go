package artifacts

import "fmt"

// InvalidNameError is returned for run ids or artifact names that would
// escape the run directory.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid artifact name %q: %s", e.Name, e.Reason)
}

// NotFoundError is returned when a run directory or artifact does not exist.
type NotFoundError struct {
	RunID string
	Name  string
}

func (e *NotFoundError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("no artifacts for run %s", e.RunID)
	}
	return fmt.Sprintf("artifact %s not found for run %s", e.Name, e.RunID)
}
