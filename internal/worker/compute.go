package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"segment-coordinator/internal/models"
)

// Task is one leased segment ready to be computed.
type Task struct {
	SeedFile     string
	SeedIndex    int64
	SeedChunk    int64
	TargetLength int
}

// Compute evaluates a segment and returns one result per length.
type Compute func(ctx context.Context, task Task) ([]models.Result, error)

// CommandCompute runs argv once per segment. The task is passed in the
// environment and the command prints a JSON array of results on stdout.
func CommandCompute(argv []string) Compute {
	return func(ctx context.Context, task Task) ([]models.Result, error) {
		if len(argv) == 0 {
			return nil, errors.New("no compute command configured")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = append(os.Environ(),
			"SEED_FILE="+task.SeedFile,
			"SEED_INDEX="+strconv.FormatInt(task.SeedIndex, 10),
			"SEED_CHUNK="+strconv.FormatInt(task.SeedChunk, 10),
			"TARGET_LENGTH="+strconv.Itoa(task.TargetLength),
		)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("compute %s: %w: %s", argv[0], err, tail(stderr.String(), 512))
		}

		var results []models.Result
		if err := json.Unmarshal(stdout.Bytes(), &results); err != nil {
			return nil, fmt.Errorf("decode compute output: %w", err)
		}
		if len(results) == 0 {
			return nil, errors.New("compute produced no results")
		}
		return results, nil
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
