package coordinator

import (
	"context"

	"segment-coordinator/internal/models"
	"segment-coordinator/internal/segment"
	"segment-coordinator/internal/store"
)

// Summary aggregates the job's primary results at its target length.
func (s *Service) Summary(ctx context.Context, jobID string) (models.Summary, error) {
	return s.summary(ctx, jobID, nil)
}

// SummaryAt aggregates the job's primary results at an arbitrary length.
func (s *Service) SummaryAt(ctx context.Context, jobID string, length int) (models.Summary, error) {
	return s.summary(ctx, jobID, &length)
}

func (s *Service) summary(ctx context.Context, jobID string, length *int) (models.Summary, error) {
	var sum models.Summary
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return translate(err, ErrJobNotFound)
		}
		at := job.TargetLength
		if length != nil {
			at = *length
		}
		sum, err = tx.SumPrimaryResults(ctx, jobID, at)
		if err != nil {
			return err
		}
		// Total segments regardless of completion, so callers can compute progress.
		sum.JobCount = segment.Count(job)
		sum.TargetLength = at
		return nil
	})
	return sum, err
}

// ResultsByLength lists primary values at length, ascending by seed index.
func (s *Service) ResultsByLength(ctx context.Context, jobID string, length int) (models.ResultSeries, error) {
	var series models.ResultSeries
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return translate(err, ErrJobNotFound)
		}
		var err error
		series, err = tx.ResultsByLength(ctx, jobID, length)
		return err
	})
	return series, err
}
