package models

import (
	"math/big"
)

// SubmissionStatus marks whether a submission counts towards aggregation.
type SubmissionStatus int

const (
	StatusPrimary    SubmissionStatus = 0
	StatusSuperseded SubmissionStatus = 1
)

// Valid reports whether s is one of the persisted status values.
func (s SubmissionStatus) Valid() bool {
	return s == StatusPrimary || s == StatusSuperseded
}

func (s SubmissionStatus) String() string {
	switch s {
	case StatusPrimary:
		return "primary"
	case StatusSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Job defines a seed range split into fixed-width segments.
type Job struct {
	ID            string `json:"job"`
	StartDate     int64  `json:"startdate"`
	SeedURL       string `json:"seedurl"`
	SeedCount     int64  `json:"seedcount"`
	SeedChunk     int64  `json:"seedchunk"`
	SeedLength    int    `json:"seedlength"`
	TargetLength  int    `json:"targetlength"`
	TicketTimeout int64  `json:"tickettimeout"`
}

// ResultCount is the number of results every submission for the job carries.
func (j Job) ResultCount() int {
	return j.TargetLength - j.SeedLength
}

// Ticket is an exclusive, time-bound lease on one segment.
type Ticket struct {
	ID            int64  `json:"ticketid"`
	JobID         string `json:"job"`
	SeedIndex     int64  `json:"seedindex"`
	Token         string `json:"-"`
	IssueDate     int64  `json:"issuedate"`
	IssuerAddress string `json:"ip"`
}

// TicketView is what a worker receives when a segment is leased to it.
type TicketView struct {
	TicketID     int64  `json:"ticketid"`
	JobID        string `json:"job"`
	Token        string `json:"token"`
	SeedIndex    int64  `json:"seedindex"`
	SeedChunk    int64  `json:"seedchunk"`
	SeedURL      string `json:"seedurl"`
	TargetLength int    `json:"targetlength"`
}

// Result is one checkpoint value of a segment computation.
type Result struct {
	ID     int64 `json:"-"`
	Length int   `json:"resultlength"`
	Value  int64 `json:"resultvalue"`
}

// Submission is an accepted set of results for one segment.
type Submission struct {
	ID             int64            `json:"submissionid"`
	JobID          string           `json:"job"`
	SeedIndex      int64            `json:"seedindex"`
	Contributor    string           `json:"contributor"`
	SecondsElapsed int64            `json:"secondselapsed"`
	SourceAddress  string           `json:"ip"`
	ReceiveDate    int64            `json:"receivedate"`
	Status         SubmissionStatus `json:"status"`
	Results        []Result         `json:"results"`
}

// Summary aggregates primary results at the job's target length.
type Summary struct {
	Value        *big.Int `json:"value"`
	Seconds      int64    `json:"seconds"`
	ResultCount  int64    `json:"resultcount"`
	JobCount     int64    `json:"jobcount"`
	TargetLength int      `json:"targetlength"`
}

// ResultSeries lists primary values at one result length, ordered by seed index.
type ResultSeries struct {
	SeedIndices []int64 `json:"seedindices"`
	Values      []int64 `json:"values"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string `json:"job"`
	Event    string `json:"event"`
	Detail   string `json:"detail"`
	Recorded int64  `json:"recorded_at"`
}
