package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"segment-coordinator/internal/models"
	"segment-coordinator/internal/store"
	"segment-coordinator/internal/telemetry"
)

const tokenBytes = 32

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueTicket leases the lowest eligible segment of the job to the caller.
// A segment is eligible when it has no ticket younger than the job's ticket
// timeout and no primary submission. The job row lock held for the whole
// transaction keeps concurrent callers from leasing the same segment.
func (s *Service) IssueTicket(ctx context.Context, jobID, issuerAddress string) (models.TicketView, error) {
	token, err := newToken()
	if err != nil {
		return models.TicketView{}, err
	}

	var view models.TicketView
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return translate(err, ErrJobNotFound)
		}

		now := s.now()
		seedIndex, ok, err := tx.NextEligibleSegment(ctx, jobID, now-job.TicketTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoEligibleSegment
		}

		ticket, err := tx.InsertTicket(ctx, models.Ticket{
			JobID:         jobID,
			SeedIndex:     seedIndex,
			Token:         token,
			IssueDate:     now,
			IssuerAddress: issuerAddress,
		})
		if err != nil {
			return err
		}

		view = models.TicketView{
			TicketID:     ticket.ID,
			JobID:        jobID,
			Token:        token,
			SeedIndex:    seedIndex,
			SeedChunk:    job.SeedChunk,
			SeedURL:      job.SeedURL,
			TargetLength: job.TargetLength,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoEligibleSegment) {
			telemetry.NoEligibleSegment.Inc()
		}
		return models.TicketView{}, err
	}

	telemetry.TicketsIssued.Inc()
	s.log.WithFields(logrus.Fields{
		"job":        jobID,
		"ticket_id":  view.TicketID,
		"seed_index": view.SeedIndex,
		"issuer":     issuerAddress,
	}).Debug("ticket issued")
	return view, nil
}
