package posts

import "fmt"

// Status is the lifecycle state of a post.
//
//	pending -> processing -> published | partial_failure | failed
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusPublished      Status = "published"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusPartialFailure, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusPartialFailure || s == StatusFailed
}

// CanTransition reports whether s -> to is a legal forward step.
// processing is only reachable from pending (the claim).
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// ParseStatus validates a status string coming from storage or the API.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown post status %q", raw)
	}
	return s, nil
}

// Aggregate computes the terminal status for a set of platform outcomes.
// A post with no outcomes is failed.
func Aggregate(outcomes map[string]Outcome) Status {
	ok, fail := 0, 0
	for _, o := range outcomes {
		if o.Success {
			ok++
		} else {
			fail++
		}
	}
	switch {
	case ok > 0 && fail == 0:
		return StatusPublished
	case ok > 0 && fail > 0:
		return StatusPartialFailure
	default:
		return StatusFailed
	}
}
