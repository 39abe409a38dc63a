package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/storage"
	"github.com/ashita-ai/hatchery/internal/testutil"
	"github.com/ashita-ai/hatchery/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
// It stays nil when no container runtime is available.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping postgres integration tests: %v\n", err)
		os.Exit(m.Run())
	}

	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	_ = testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) *storage.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres container not available")
	}
	return testDB
}

func createTrial(t *testing.T, db *storage.DB, owner string) model.Trial {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tr := model.Trial{
		ID:               uuid.New(),
		Owner:            owner,
		Status:           model.TrialStatusPending,
		PopulationSize:   8,
		GenerationsTotal: 5,
		TokenBudget:      5000,
		MutationRate:     model.DefaultMutation,
		CARules:          "rule30",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, db.CreateTrial(context.Background(), tr))
	return tr
}

func TestCreateAndGetTrial(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	tr := createTrial(t, db, "alice")

	got, err := db.GetTrial(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, model.TrialStatusPending, got.Status)
	assert.Equal(t, int64(5000), got.TokenBudget)
	assert.Empty(t, got.PopulationIDs)
	assert.Nil(t, got.BestFitness)
	assert.True(t, tr.CreatedAt.Equal(got.CreatedAt))

	_, err = db.GetTrial(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateTrialStatusGuards(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	tr := createTrial(t, db, "alice")
	now := time.Now().UTC()

	skip := tr
	skip.Status = model.TrialStatusCompleted
	assert.ErrorIs(t, db.UpdateTrialStatus(ctx, skip), model.ErrIllegalTransition)

	require.NoError(t, tr.Transition(model.TrialStatusRunning, now))
	require.NoError(t, db.UpdateTrialStatus(ctx, tr))

	require.NoError(t, tr.ApplyGeneration(model.GenerationMetric{
		Generation: 1, MaxFitness: 0.7, DiversityIndex: 0.4, TokensUsedDelta: 300,
	}, []string{"p1", "p2"}, now))
	require.NoError(t, db.UpdateTrialStatus(ctx, tr))

	stale := tr
	stale.CurrentGeneration = 0
	stale.TokensUsed = 0
	assert.ErrorIs(t, db.UpdateTrialStatus(ctx, stale), model.ErrIllegalTransition)

	require.NoError(t, tr.Transition(model.TrialStatusCompleted, now))
	require.NoError(t, db.UpdateTrialStatus(ctx, tr))
	assert.ErrorIs(t, db.UpdateTrialStatus(ctx, tr), model.ErrTerminalState)

	got, err := db.GetTrial(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrialStatusCompleted, got.Status)
	assert.Equal(t, []string{"p1", "p2"}, got.PopulationIDs)
	require.NotNil(t, got.BestFitness)
	assert.InDelta(t, 0.7, *got.BestFitness, 1e-9)
	require.NotNil(t, got.CompletedAt)
}

func TestConcurrentTerminalWritesHaveOneWinner(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	tr := createTrial(t, db, "alice")
	tr.Status = model.TrialStatusRunning
	require.NoError(t, db.UpdateTrialStatus(ctx, tr))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, status := range []model.TrialStatus{model.TrialStatusCancelled, model.TrialStatusFailed} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := tr
			next.Status = status
			errs[i] = db.UpdateTrialStatus(ctx, next)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, model.ErrTerminalState)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestAppendAndListMetrics(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	tr := createTrial(t, db, "alice")

	for gen := 1; gen <= 3; gen++ {
		require.NoError(t, db.AppendMetric(ctx, model.GenerationMetric{
			TrialID: tr.ID, Generation: gen, AvgFitness: 0.5, MinFitness: 0.1, MaxFitness: 0.9,
			DiversityIndex: 0.3, TokensUsedDelta: 100, RecordedAt: time.Now().UTC(),
		}))
	}
	err := db.AppendMetric(ctx, model.GenerationMetric{TrialID: tr.ID, Generation: 2, RecordedAt: time.Now()})
	assert.ErrorIs(t, err, model.ErrMetricExists)

	metrics, err := db.ListMetrics(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	for i, m := range metrics {
		assert.Equal(t, i+1, m.Generation)
	}
}

func TestListTrialsFilters(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	owner := "lister-" + uuid.NewString()
	for range 3 {
		createTrial(t, db, owner)
	}
	running := createTrial(t, db, owner)
	running.Status = model.TrialStatusRunning
	require.NoError(t, db.UpdateTrialStatus(ctx, running))

	all, total, err := db.ListTrials(ctx, model.TrialFilter{Owner: owner})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 4)

	status := model.TrialStatusRunning
	only, total, err := db.ListTrials(ctx, model.TrialFilter{Owner: owner, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, only, 1)
	assert.Equal(t, running.ID, only[0].ID)

	page, total, err := db.ListTrials(ctx, model.TrialFilter{Owner: owner, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, page, 2)

	unfinished, err := db.ListUnfinishedTrials(ctx)
	require.NoError(t, err)
	found := 0
	for _, u := range unfinished {
		if u.Owner == owner {
			found++
		}
	}
	assert.Equal(t, 4, found)
}

func TestRequestTrialCancel(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	tr := createTrial(t, db, "alice")

	got, err := db.RequestTrialCancel(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	got.Status = model.TrialStatusRunning
	require.NoError(t, db.UpdateTrialStatus(ctx, got))
	require.NoError(t, got.Transition(model.TrialStatusCancelled, time.Now()))
	require.NoError(t, db.UpdateTrialStatus(ctx, got))

	_, err = db.RequestTrialCancel(ctx, tr.ID)
	assert.ErrorIs(t, err, model.ErrTerminalState)
	_, err = db.RequestTrialCancel(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := requireDB(t)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
}

func TestIdempotencyKeys(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	subject := "idem-" + uuid.NewString()

	lookup, err := db.BeginIdempotency(ctx, subject, "POST:/trials", "k1", "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	_, err = db.BeginIdempotency(ctx, subject, "POST:/trials", "k1", "hash-a")
	assert.ErrorIs(t, err, model.ErrIdempotencyInProgress)
	_, err = db.BeginIdempotency(ctx, subject, "POST:/trials", "k1", "hash-b")
	assert.ErrorIs(t, err, model.ErrIdempotencyPayloadMismatch)

	require.NoError(t, db.CompleteIdempotency(ctx, subject, "POST:/trials", "k1", 201, map[string]string{"id": "t-1"}))
	lookup, err = db.BeginIdempotency(ctx, subject, "POST:/trials", "k1", "hash-a")
	require.NoError(t, err)
	assert.True(t, lookup.Completed)
	assert.Equal(t, 201, lookup.StatusCode)
	assert.JSONEq(t, `{"id":"t-1"}`, string(lookup.ResponseData))

	_, err = db.BeginIdempotency(ctx, subject, "POST:/trials", "k2", "h")
	require.NoError(t, err)
	require.NoError(t, db.ClearIdempotency(ctx, subject, "POST:/trials", "k2"))
	lookup, err = db.BeginIdempotency(ctx, subject, "POST:/trials", "k2", "other")
	require.NoError(t, err)
	assert.False(t, lookup.Completed, "a cleared key is free again")

	_, err = db.CleanupIdempotencyKeys(ctx, 24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	lookup, err = db.BeginIdempotency(ctx, subject, "POST:/trials", "k1", "hash-a")
	require.NoError(t, err)
	assert.True(t, lookup.Completed, "unexpired records survive cleanup")
}
