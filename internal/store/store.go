package store

import (
	"context"
	"errors"

	"segment-coordinator/internal/models"
)

var (
	// ErrNotFound is returned when a row addressed by key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("already exists")
)

// Store runs units of work against the shared transactional state.
type Store interface {
	// InTx runs fn in one transaction; fn's writes commit only when it returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the query interface available inside a transaction.
type Tx interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	// LockJob fetches the job and holds a row lock on it until the transaction ends.
	LockJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	UpdateJob(ctx context.Context, job models.Job) error
	// DeleteJob removes the job with its segment ledger, tickets, submissions and results.
	DeleteJob(ctx context.Context, id string) error
	ReplaceSegments(ctx context.Context, jobID string, indices []int64) error

	// NextEligibleSegment returns the lowest segment with no ticket issued after
	// cutoff and no primary submission.
	NextEligibleSegment(ctx context.Context, jobID string, cutoff int64) (int64, bool, error)
	InsertTicket(ctx context.Context, t models.Ticket) (models.Ticket, error)
	// LockTicket fetches the ticket and holds a row lock on it until the transaction ends.
	LockTicket(ctx context.Context, id int64) (models.Ticket, error)
	DeleteTicket(ctx context.Context, id int64) error

	HasPrimary(ctx context.Context, jobID string, seedIndex int64) (bool, error)
	InsertSubmission(ctx context.Context, s models.Submission) (models.Submission, error)
	GetSubmission(ctx context.Context, jobID string, id int64) (models.Submission, error)
	ListSubmissions(ctx context.Context, jobID string, seedIndex int64) ([]models.Submission, error)
	UpdateSubmission(ctx context.Context, jobID string, id int64, status models.SubmissionStatus, contributor string) (models.Submission, error)

	// SumPrimaryResults aggregates primary results of the job at length.
	SumPrimaryResults(ctx context.Context, jobID string, length int) (models.Summary, error)
	ResultsByLength(ctx context.Context, jobID string, length int) (models.ResultSeries, error)

	AppendAudit(ctx context.Context, jobID, event, detail string, recordedAt int64) error
}
