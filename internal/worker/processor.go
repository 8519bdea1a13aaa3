package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"segment-coordinator/internal/config"
	"segment-coordinator/internal/coordinator"
	"segment-coordinator/internal/telemetry"
)

// Runner drives the volunteer loop: lease a segment, compute it, submit it.
type Runner struct {
	cfg         config.Config
	client      *Client
	seeds       SeedSource
	compute     Compute
	contributor string
	clock       clockwork.Clock
	log         logrus.FieldLogger
}

// NewRunner wires a runner for cfg.WorkerJob.
func NewRunner(cfg config.Config, client *Client, seeds SeedSource, compute Compute, contributor string, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		cfg:         cfg,
		client:      client,
		seeds:       seeds,
		compute:     compute,
		contributor: contributor,
		clock:       clockwork.NewRealClock(),
		log:         log.WithField("job", cfg.WorkerJob),
	}
}

// Run loops until ctx is cancelled. An empty ticket pool and failures both
// back off with jitter; any completed segment resets the backoff.
func (r *Runner) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.RunOnce(ctx)
		switch {
		case err == nil:
			attempt = 0
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrNoWork):
			attempt++
			r.log.Debug("no eligible segment")
		default:
			attempt++
			telemetry.WorkerFailures.Inc()
			r.log.WithError(err).Warn("segment failed")
		}

		wait := backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, attempt)
		if errors.Is(err, ErrNoWork) && wait < r.cfg.WorkerPollInterval {
			wait = r.cfg.WorkerPollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// RunOnce leases, computes and submits a single segment.
func (r *Runner) RunOnce(ctx context.Context) error {
	ticket, err := r.client.RequestTicket(ctx, r.cfg.WorkerJob)
	if err != nil {
		return err
	}
	leased := r.clock.Now()
	telemetry.WorkerInFlight.Inc()
	defer telemetry.WorkerInFlight.Dec()

	log := r.log.WithFields(logrus.Fields{"ticket_id": ticket.TicketID, "seed_index": ticket.SeedIndex})
	log.Info("segment leased")

	seedFile, err := r.seeds.Fetch(ctx, ticket.SeedURL)
	if err != nil {
		return fmt.Errorf("fetch seed: %w", err)
	}

	start := r.clock.Now()
	results, err := r.compute(ctx, Task{
		SeedFile:     seedFile,
		SeedIndex:    ticket.SeedIndex,
		SeedChunk:    ticket.SeedChunk,
		TargetLength: ticket.TargetLength,
	})
	if err != nil {
		return err
	}
	secondsElapsed := int64(r.clock.Since(start) / time.Second)

	// The coordinator refuses tickets returned sooner than its minimum.
	if wait := r.cfg.MinSubmitElapsed - r.clock.Since(leased); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait + time.Second):
		}
	}

	sub, err := r.client.Submit(ctx, r.cfg.WorkerJob, coordinator.TicketSubmission{
		TicketID:       ticket.TicketID,
		Token:          ticket.Token,
		Contributor:    r.contributor,
		SeedIndex:      ticket.SeedIndex,
		SecondsElapsed: secondsElapsed,
		Results:        results,
	})
	if err != nil {
		return fmt.Errorf("submit segment %d: %w", ticket.SeedIndex, err)
	}
	telemetry.WorkerCompleted.Inc()
	log.WithFields(logrus.Fields{
		"submission_id":   sub.ID,
		"status":          sub.Status.String(),
		"seconds_elapsed": secondsElapsed,
	}).Info("segment submitted")
	return nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
