package pipeline

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse marks collaborator output that could not be parsed
// even after outermost-object extraction.
var ErrMalformedResponse = errors.New("malformed collaborator response")

// StageError is a failure that aborted a pipeline stage for one candidate.
type StageError struct {
	Stage       string
	CandidateID int64
	Cause       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s for candidate %d: %v", e.Stage, e.CandidateID, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}
