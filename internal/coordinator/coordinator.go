// Package coordinator implements segment leasing, submission admission and
// result aggregation on top of a transactional store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"segment-coordinator/internal/models"
	"segment-coordinator/internal/segment"
	"segment-coordinator/internal/store"
)

const (
	DefaultMinElapsed = 10 * time.Second
	DefaultSlack      = 3 * time.Second
)

// Options tunes the admission rules and injects collaborators. Zero timing
// values are honoured; a negative value selects the default.
type Options struct {
	// MinElapsed is the shortest plausible time between ticket issue and submission.
	MinElapsed time.Duration
	// Slack is how far a reported compute time may exceed the wall-clock lease age.
	Slack  time.Duration
	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

// Service is the coordinator. It keeps no mutable state of its own; every
// operation is a single store transaction.
type Service struct {
	store      store.Store
	clock      clockwork.Clock
	log        logrus.FieldLogger
	minElapsed time.Duration
	slack      time.Duration
}

// New constructs the coordinator over st.
func New(st store.Store, opts Options) *Service {
	if opts.MinElapsed < 0 {
		opts.MinElapsed = DefaultMinElapsed
	}
	if opts.Slack < 0 {
		opts.Slack = DefaultSlack
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		store:      st,
		clock:      opts.Clock,
		log:        opts.Logger,
		minElapsed: opts.MinElapsed,
		slack:      opts.Slack,
	}
}

func (s *Service) now() int64 {
	return s.clock.Now().Unix()
}

// JobDefinition holds the administratively editable fields of a job.
type JobDefinition struct {
	StartDate     int64  `json:"startdate"`
	SeedURL       string `json:"seedurl"`
	SeedCount     int64  `json:"seedcount"`
	SeedChunk     int64  `json:"seedchunk"`
	SeedLength    int    `json:"seedlength"`
	TargetLength  int    `json:"targetlength"`
	TicketTimeout int64  `json:"tickettimeout"`
}

func (d JobDefinition) job(id string) models.Job {
	return models.Job{
		ID:            id,
		StartDate:     d.StartDate,
		SeedURL:       d.SeedURL,
		SeedCount:     d.SeedCount,
		SeedChunk:     d.SeedChunk,
		SeedLength:    d.SeedLength,
		TargetLength:  d.TargetLength,
		TicketTimeout: d.TicketTimeout,
	}
}

func validateJob(j models.Job) error {
	switch {
	case j.ID == "" || len(j.ID) > 32:
		return fmt.Errorf("%w: job id must be 1..32 characters", ErrInvalidJob)
	case j.SeedChunk <= 0:
		return fmt.Errorf("%w: seedchunk must be positive", ErrInvalidJob)
	case j.SeedCount < 0:
		return fmt.Errorf("%w: seedcount must not be negative", ErrInvalidJob)
	case j.SeedLength < 0:
		return fmt.Errorf("%w: seedlength must not be negative", ErrInvalidJob)
	case j.TargetLength <= j.SeedLength:
		return fmt.Errorf("%w: targetlength must exceed seedlength", ErrInvalidJob)
	case j.TicketTimeout < 0:
		return fmt.Errorf("%w: tickettimeout must not be negative", ErrInvalidJob)
	}
	return nil
}

// translate maps store sentinels onto coordinator errors.
func translate(err error, notFound *Error) error {
	if errors.Is(err, store.ErrNotFound) && notFound != nil {
		return notFound
	}
	return err
}

// CreateJob persists a new job and its segment ledger.
func (s *Service) CreateJob(ctx context.Context, id string, def JobDefinition) (models.Job, error) {
	job := def.job(id)
	if err := validateJob(job); err != nil {
		return models.Job{}, err
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrJobExists
			}
			return err
		}
		if err := tx.ReplaceSegments(ctx, job.ID, segment.Indices(job)); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, job.ID, "job_created", fmt.Sprintf("segments=%d", segment.Count(job)), s.now())
	})
	if err != nil {
		return models.Job{}, err
	}
	s.log.WithFields(logrus.Fields{"job": job.ID, "segments": segment.Count(job)}).Info("job created")
	return job, nil
}

// GetJob fetches one job.
func (s *Service) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		return translate(err, ErrJobNotFound)
	})
	return job, err
}

// ListJobs returns every job ordered by id.
func (s *Service) ListJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		jobs, err = tx.ListJobs(ctx)
		return err
	})
	return jobs, err
}

// UpdateJob replaces the editable fields of a job and recomputes its segment
// ledger when the seed range changed.
func (s *Service) UpdateJob(ctx context.Context, id string, def JobDefinition) (models.Job, error) {
	job := def.job(id)
	if err := validateJob(job); err != nil {
		return models.Job{}, err
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		prev, err := tx.LockJob(ctx, id)
		if err != nil {
			return translate(err, ErrJobNotFound)
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return translate(err, ErrJobNotFound)
		}
		if prev.SeedCount != job.SeedCount || prev.SeedChunk != job.SeedChunk {
			if err := tx.ReplaceSegments(ctx, id, segment.Indices(job)); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, id, "job_updated", fmt.Sprintf("segments=%d", segment.Count(job)), s.now())
	})
	if err != nil {
		return models.Job{}, err
	}
	s.log.WithField("job", id).Info("job updated")
	return job, nil
}

// DeleteJob removes a job together with everything derived from it.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteJob(ctx, id); err != nil {
			return translate(err, ErrJobNotFound)
		}
		return tx.AppendAudit(ctx, id, "job_deleted", "", s.now())
	})
	if err != nil {
		return err
	}
	s.log.WithField("job", id).Info("job deleted")
	return nil
}
