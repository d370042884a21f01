// Package settle holds the outcome type shared by every money-moving operation.
package settle

import "errors"

type Outcome string

const (
	Applied        Outcome = "applied"
	AlreadyApplied Outcome = "already_applied"
	Rejected       Outcome = "rejected"
)

// ErrAlreadyProcessed marks an idempotent no-op. Callers treat it as success.
var ErrAlreadyProcessed = errors.New("already processed")

// Result is returned by every mutating settlement operation. Rejections carry
// the business reason; the same reason is also returned as the error so callers
// can branch with errors.Is.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  error   `json:"-"`
}

func Apply() Result {
	return Result{Outcome: Applied}
}

func Already() Result {
	return Result{Outcome: AlreadyApplied}
}

// Reject builds a rejected result and returns reason for direct propagation.
func Reject(reason error) (Result, error) {
	return Result{Outcome: Rejected, Reason: reason}, reason
}

func (r Result) IsApplied() bool {
	return r.Outcome == Applied
}

func (r Result) IsNoop() bool {
	return r.Outcome == AlreadyApplied
}

// OK reports whether the caller may treat the operation as done.
func (r Result) OK() bool {
	return r.Outcome == Applied || r.Outcome == AlreadyApplied
}

func (r Result) String() string {
	if r.Outcome == Rejected && r.Reason != nil {
		return string(r.Outcome) + ": " + r.Reason.Error()
	}
	return string(r.Outcome)
}
