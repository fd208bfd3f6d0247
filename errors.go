package hugolite

import (
	"errors"
	"fmt"
)

// ErrModelNotFound is returned when a model can be neither found locally nor downloaded from the hub.
var ErrModelNotFound = errors.New("model not found")

// StepError reports which pipeline step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Step, e.Err.Error())
}

func (e *StepError) Unwrap() error {
	return e.Err
}
