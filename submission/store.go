package submission

import (
	"context"
	"time"

	"github.com/xraph/metarelay/id"
)

// Store defines the persistence contract for submissions.
type Store interface {
	// CreateSubmission persists a new submission.
	CreateSubmission(ctx context.Context, s *Submission) error

	// UpdateSubmission modifies state, outcome and scheduling fields.
	UpdateSubmission(ctx context.Context, s *Submission) error

	// GetSubmission returns a submission by handle.
	GetSubmission(ctx context.Context, subID id.ID) (*Submission, error)

	// ListSubmissions returns submissions, newest first, optionally filtered.
	ListSubmissions(ctx context.Context, opts ListOpts) ([]*Submission, error)

	// DueSubmissions returns pending submissions whose NextCheckAt is not after now.
	DueSubmissions(ctx context.Context, now time.Time, limit int) ([]*Submission, error)

	// CountSubmissions returns the number of submissions in state.
	CountSubmissions(ctx context.Context, state State) (int64, error)
}
