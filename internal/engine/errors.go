package engine

import "fmt"

// Submission rejection reasons.
const (
	ReasonEmpty       = "empty"
	ReasonTooMany     = "too_many"
	ReasonNotFound    = "not_found"
	ReasonNotOwned    = "not_owned"
	ReasonBadStrategy = "bad_strategy"
)

// ValidationError rejects a submission atomically: no operation row exists
// when one is returned.
type ValidationError struct {
	Reason string
	Max    int
	Ref    string
}

func (e ValidationError) Error() string {
	switch e.Reason {
	case ReasonEmpty:
		return "no targets provided"
	case ReasonTooMany:
		return fmt.Sprintf("too many targets: limit is %d", e.Max)
	case ReasonNotFound:
		return fmt.Sprintf("pull request %s is not tracked", e.Ref)
	case ReasonNotOwned:
		return fmt.Sprintf("pull request %s does not belong to the requester", e.Ref)
	case ReasonBadStrategy:
		return fmt.Sprintf("unknown merge strategy %q", e.Ref)
	}
	return "invalid submission"
}
