package coordinator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"segment-coordinator/internal/models"
	"segment-coordinator/internal/segment"
	"segment-coordinator/internal/store"
	"segment-coordinator/internal/telemetry"
)

// TicketSubmission is a worker's result set returned against a ticket.
type TicketSubmission struct {
	TicketID       int64           `json:"ticketid"`
	Token          string          `json:"token"`
	Contributor    string          `json:"contributor"`
	SeedIndex      int64           `json:"seedindex"`
	SecondsElapsed int64           `json:"secondselapsed"`
	Results        []models.Result `json:"results"`
}

// DirectSubmission is a trusted result set recorded without a ticket.
type DirectSubmission struct {
	Contributor    string          `json:"contributor"`
	SeedIndex      int64           `json:"seedindex"`
	SecondsElapsed int64           `json:"secondselapsed"`
	Results        []models.Result `json:"results"`
}

// SubmissionUpdate holds the administratively editable submission fields.
type SubmissionUpdate struct {
	Status      models.SubmissionStatus `json:"status"`
	Contributor string                  `json:"contributor"`
}

// checkResults requires exactly one result per length in seedLength+1..targetLength.
func checkResults(job models.Job, results []models.Result) error {
	if len(results) != job.ResultCount() {
		return ErrWrongResultCount
	}
	seen := make(map[int]struct{}, len(results))
	for _, r := range results {
		if r.Length <= job.SeedLength || r.Length > job.TargetLength {
			return fmt.Errorf("%w: length %d outside %d..%d", ErrMalformedResults, r.Length, job.SeedLength+1, job.TargetLength)
		}
		if _, dup := seen[r.Length]; dup {
			return fmt.Errorf("%w: length %d repeated", ErrMalformedResults, r.Length)
		}
		seen[r.Length] = struct{}{}
	}
	return nil
}

// maxReportedSeconds is the largest compute time representable as a Duration.
const maxReportedSeconds = int64(math.MaxInt64 / int64(time.Second))

// checkTiming validates the lease age against the reported compute time.
// Both are whole seconds; the thresholds keep their sub-second part.
func (s *Service) checkTiming(ticket models.Ticket, secondsElapsed, now int64) error {
	elapsed := time.Duration(now-ticket.IssueDate) * time.Second
	if elapsed < s.minElapsed {
		return ErrTooFast
	}
	if secondsElapsed < 0 || secondsElapsed > maxReportedSeconds ||
		time.Duration(secondsElapsed)*time.Second-s.slack > elapsed {
		return ErrImplausibleDuration
	}
	return nil
}

func sortedResults(results []models.Result) []models.Result {
	out := append([]models.Result(nil), results...)
	sort.Slice(out, func(i, j int) bool { return out[i].Length < out[j].Length })
	return out
}

// record classifies and persists a submission inside tx. An existing primary
// for the segment makes the new one superseded; history is kept either way.
func record(ctx context.Context, tx store.Tx, sub models.Submission) (models.Submission, error) {
	dup, err := tx.HasPrimary(ctx, sub.JobID, sub.SeedIndex)
	if err != nil {
		return models.Submission{}, err
	}
	sub.Status = models.StatusPrimary
	if dup {
		sub.Status = models.StatusSuperseded
	}
	sub.Results = sortedResults(sub.Results)
	stored, err := tx.InsertSubmission(ctx, sub)
	if err != nil {
		return models.Submission{}, err
	}
	detail := fmt.Sprintf("submission=%d seedindex=%d status=%s", stored.ID, stored.SeedIndex, stored.Status)
	if err := tx.AppendAudit(ctx, stored.JobID, "submission_accepted", detail, stored.ReceiveDate); err != nil {
		return models.Submission{}, err
	}
	return stored, nil
}

// SubmitTicket admits a worker submission against the ticket it was issued.
// Checks run in a fixed order and the first failure is returned. On success
// the submission and its results are stored and the ticket is consumed in the
// same transaction.
func (s *Service) SubmitTicket(ctx context.Context, jobID string, in TicketSubmission, sourceAddress string) (models.Submission, error) {
	var stored models.Submission
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return translate(err, ErrJobNotFound)
		}

		ticket, err := tx.LockTicket(ctx, in.TicketID)
		if err != nil {
			return translate(err, ErrTicketNotFound)
		}
		if ticket.JobID != jobID {
			return ErrTicketNotFound
		}
		if subtle.ConstantTimeCompare([]byte(in.Token), []byte(ticket.Token)) != 1 {
			return ErrTokenMismatch
		}
		if in.SeedIndex != ticket.SeedIndex {
			return ErrSegmentMismatch
		}
		if err := checkResults(job, in.Results); err != nil {
			return err
		}
		if in.Results[0].Value == 0 {
			return ErrEmptyResult
		}
		now := s.now()
		if err := s.checkTiming(ticket, in.SecondsElapsed, now); err != nil {
			return err
		}

		stored, err = record(ctx, tx, models.Submission{
			JobID:          jobID,
			SeedIndex:      ticket.SeedIndex,
			Contributor:    in.Contributor,
			SecondsElapsed: in.SecondsElapsed,
			SourceAddress:  sourceAddress,
			ReceiveDate:    now,
			Results:        in.Results,
		})
		if err != nil {
			return err
		}
		return translate(tx.DeleteTicket(ctx, ticket.ID), ErrTicketNotFound)
	})
	fields := logrus.Fields{"job": jobID, "ticket_id": in.TicketID, "seed_index": in.SeedIndex, "source": sourceAddress}
	if err != nil {
		if KindOf(err) != KindInternal {
			telemetry.SubmissionsRejected.WithLabelValues(ReasonOf(err)).Inc()
			s.log.WithFields(fields).WithField("reason", ReasonOf(err)).Info("submission rejected")
		}
		return models.Submission{}, err
	}
	telemetry.SubmissionsAccepted.WithLabelValues(stored.Status.String()).Inc()
	s.log.WithFields(fields).WithFields(logrus.Fields{
		"submission_id": stored.ID,
		"status":        stored.Status.String(),
	}).Info("submission accepted")
	return stored, nil
}

// AddSubmission records a trusted submission without ticket or timing checks.
// The segment must belong to the job and the results must have the job's shape.
func (s *Service) AddSubmission(ctx context.Context, jobID string, in DirectSubmission, sourceAddress string) (models.Submission, error) {
	var stored models.Submission
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return translate(err, ErrJobNotFound)
		}
		if !segment.Contains(job, in.SeedIndex) {
			return ErrSegmentMismatch
		}
		if err := checkResults(job, in.Results); err != nil {
			return err
		}
		stored, err = record(ctx, tx, models.Submission{
			JobID:          jobID,
			SeedIndex:      in.SeedIndex,
			Contributor:    in.Contributor,
			SecondsElapsed: in.SecondsElapsed,
			SourceAddress:  sourceAddress,
			ReceiveDate:    s.now(),
			Results:        in.Results,
		})
		return err
	})
	if err != nil {
		return models.Submission{}, err
	}
	telemetry.SubmissionsAccepted.WithLabelValues(stored.Status.String()).Inc()
	s.log.WithFields(logrus.Fields{
		"job":           jobID,
		"seed_index":    stored.SeedIndex,
		"submission_id": stored.ID,
		"status":        stored.Status.String(),
	}).Info("direct submission recorded")
	return stored, nil
}

// UpdateSubmission edits status and contributor of a stored submission.
func (s *Service) UpdateSubmission(ctx context.Context, jobID string, id int64, upd SubmissionUpdate) (models.Submission, error) {
	if !upd.Status.Valid() {
		return models.Submission{}, ErrInvalidStatus
	}
	var sub models.Submission
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockJob(ctx, jobID); err != nil {
			return translate(err, ErrJobNotFound)
		}
		var err error
		sub, err = tx.UpdateSubmission(ctx, jobID, id, upd.Status, upd.Contributor)
		if err != nil {
			return translate(err, ErrSubmissionNotFound)
		}
		return tx.AppendAudit(ctx, jobID, "submission_updated", fmt.Sprintf("submission=%d status=%s", id, upd.Status), s.now())
	})
	return sub, err
}

// GetSubmission returns one submission of the job with its results.
func (s *Service) GetSubmission(ctx context.Context, jobID string, id int64) (models.Submission, error) {
	var sub models.Submission
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return translate(err, ErrJobNotFound)
		}
		var err error
		sub, err = tx.GetSubmission(ctx, jobID, id)
		return translate(err, ErrSubmissionNotFound)
	})
	return sub, err
}

// ListSubmissions returns every submission recorded for one segment.
func (s *Service) ListSubmissions(ctx context.Context, jobID string, seedIndex int64) ([]models.Submission, error) {
	var subs []models.Submission
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return translate(err, ErrJobNotFound)
		}
		var err error
		subs, err = tx.ListSubmissions(ctx, jobID, seedIndex)
		return err
	})
	return subs, err
}
