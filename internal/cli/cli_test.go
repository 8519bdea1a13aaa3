package cli

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segment-coordinator/internal/config"
	"segment-coordinator/internal/store"
)

func TestBuildCoordinatorCLI(t *testing.T) {
	cmd := BuildCoordinatorCLI()
	assert.Equal(t, "coordinator", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Use)
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("postgres-dsn"))
}

func TestServeFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "7000")
	t.Setenv("STORE_DRIVER", "postgres")
	v := config.New()
	cmd := buildServeCommand(v)

	require.NoError(t, cmd.Flags().Parse([]string{"--store", "memory"}))
	cfg := config.FromViper(v)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "7000", cfg.HTTPPort)
}

func TestBuildWorkerCLI(t *testing.T) {
	cmd := BuildWorkerCLI()
	assert.Equal(t, "worker", cmd.Use)
	for _, name := range []string{"coordinator", "job", "contributor", "command", "seed-dir"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestRunWorkerRequiresJobAndCommand(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	err := runWorker(context.Background(), config.Config{WorkerCommand: []string{"true"}}, log)
	assert.ErrorContains(t, err, "job is required")
	err = runWorker(context.Background(), config.Config{WorkerJob: "pi"}, log)
	assert.ErrorContains(t, err, "compute command is required")
}

func TestOpenStore(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := openStore(context.Background(), config.Config{StoreDriver: "memory"}, log)
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)

	_, err = openStore(context.Background(), config.Config{StoreDriver: "sqlite"}, log)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestServeStopsOnCancel(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := serve(ctx, config.Config{StoreDriver: "memory", HTTPPort: "0"}, log)
	assert.NoError(t, err)
}
