// Package segment derives the segment space of a job from its seed range.
package segment

import "segment-coordinator/internal/models"

// Count returns ceil(seedCount/seedChunk), the number of segments in the job.
func Count(job models.Job) int64 {
	if job.SeedChunk <= 0 || job.SeedCount <= 0 {
		return 0
	}
	return (job.SeedCount + job.SeedChunk - 1) / job.SeedChunk
}

// Indices enumerates segment start indices in ascending order.
func Indices(job models.Job) []int64 {
	n := Count(job)
	out := make([]int64, 0, n)
	for i := int64(0); i < n; i++ {
		out = append(out, i*job.SeedChunk)
	}
	return out
}

// Contains reports whether seedIndex is a segment start of the job.
func Contains(job models.Job, seedIndex int64) bool {
	if job.SeedChunk <= 0 || seedIndex < 0 || seedIndex >= job.SeedCount {
		return false
	}
	return seedIndex%job.SeedChunk == 0
}
