package database

import (
	"context"
	"extrato-queue/internal/models"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newPostgresDB starts a throwaway PostgreSQL container. The test is skipped when Docker
// is not reachable.
func newPostgresDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=extrato",
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_DB=extrato",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })
	_ = resource.Expire(120)

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	require.NoError(t, err)

	params := ConnectionParams{
		Host:     "localhost",
		Port:     port,
		User:     "extrato",
		Password: "secret",
		DBName:   "extrato",
		SSLMode:  "disable",
	}

	var db *PostgresDB
	pool.MaxWait = 60 * time.Second
	require.NoError(t, pool.Retry(func() error {
		var err error
		db, err = NewPostgres(context.Background(), params)
		return err
	}))
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func TestPostgres_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newPostgresDB(t)

	job, created, err := db.SubmitJob(ctx, newJob(1, t0))
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := db.SubmitJob(ctx, newJob(1, t0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, dup.ID)

	claimed, err := db.ClaimNextJob(ctx, t0.Add(time.Second), 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.StatusRunning, claimed.Status)

	none, err := db.ClaimNextJob(ctx, t0.Add(time.Second), 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	done, err := db.CompleteJob(ctx, job.ID, "/out/a.pdf", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, done.Status)

	_, err = db.CompleteJob(ctx, job.ID, "/out/b.pdf", t0.Add(time.Minute))
	assert.ErrorIs(t, err, models.ErrConflict)

	failed, err := db.FailJob(ctx, job.ID, "late", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, failed.Status)
	assert.True(t, failed.FinishedAt.Equal(*done.FinishedAt))

	latest, err := db.LatestJobForRequester(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, job.ID, latest.ID)
}

func TestPostgres_ConcurrentSubmitAndClaim(t *testing.T) {
	ctx := context.Background()
	db := newPostgresDB(t)

	var g errgroup.Group
	ids := make([]int64, 10)
	for i := range ids {
		g.Go(func() error {
			job, _, err := db.SubmitJob(ctx, newJob(42, t0))
			if err != nil {
				return err
			}
			ids[i] = job.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var mu sync.Mutex
	winners := 0
	for range 10 {
		g.Go(func() error {
			job, err := db.ClaimNextJob(ctx, t0, 0)
			if err != nil {
				return err
			}
			if job != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, winners)
}
