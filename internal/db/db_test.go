package db

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simdash/internal/logging"
	"simdash/internal/models"
)

func TestBuildInsertSteps(t *testing.T) {
	query, args := buildInsertSteps("run-1", []models.StepRecord{
		{Step: 1, Date: "2025-08-18", TotalDailyPurchases: 10},
		{Step: 2, TotalDailyPurchases: 20},
	})

	assert.True(t, strings.HasPrefix(query, "INSERT IGNORE INTO run_steps ("))
	assert.Equal(t, 2, strings.Count(query, "(?, ?, ?, ?, ?, ?, ?, ?, ?)"))
	require.Len(t, args, 18)
	assert.Equal(t, "run-1", args[0])
	assert.Equal(t, 1, args[1])
	assert.Equal(t, sql.NullString{String: "2025-08-18", Valid: true}, args[2])
	assert.Equal(t, sql.NullString{}, args[11])
	assert.Equal(t, 20, args[14])
}

func TestSchemaStatements(t *testing.T) {
	var stmts []string
	for _, s := range strings.Split(schema, ";") {
		if strings.TrimSpace(s) != "" {
			stmts = append(stmts, s)
		}
	}
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS runs")
	assert.Contains(t, stmts[1], "PRIMARY KEY (run_id, step)")
}

// setupTestStore connects to SIMDASH_TEST_MYSQL_DSN, skipping when it is unset
// or unreachable.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SIMDASH_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SIMDASH_TEST_MYSQL_DSN not set")
	}
	store, err := New(dsn, logging.Discard())
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestStore_RunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	run := models.Run{
		ID:                   id,
		Status:               models.RunStatusRunning,
		StartDate:            "2025-08-18",
		MaxSteps:             3,
		NCustomers1:          10,
		NCustomers2:          10,
		NProductsPerCategory: 2,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.InsertSteps(ctx, id, []models.StepRecord{{Step: 1}, {Step: 2}}))
	// duplicates are ignored
	require.NoError(t, store.InsertSteps(ctx, id, []models.StepRecord{{Step: 2}, {Step: 3, Date: "2025-08-20"}}))

	done := time.Now()
	key := "runs/" + id + "/steps.csv"
	run.Status = models.RunStatusCompleted
	run.StepsReceived = 3
	run.CompletedAt = &done
	run.ExportKey = &key
	require.NoError(t, store.UpdateRun(ctx, run))

	got, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.StepsReceived)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, "2025-08-20", got.Steps[2].Date)
	require.NotNil(t, got.ExportKey)
	assert.Equal(t, key, *got.ExportKey)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)

	missing, err := store.GetRun(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
