package cron

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []uuid.UUID
}

func (f *fakeStarter) StartJob(ctx context.Context, jobID uuid.UUID, parentID *uuid.UUID) (*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobID)
	return &models.Build{ID: uuid.New(), JobID: jobID, Number: 1}, nil
}

func TestNewRejectsBadExpressions(t *testing.T) {
	starter := &fakeStarter{}

	_, err := New(&models.Job{ID: uuid.New(), CronExpr: ""}, starter)
	require.Error(t, err)

	_, err = New(&models.Job{ID: uuid.New(), CronExpr: "not a schedule"}, starter)
	require.Error(t, err)

	_, err = New(&models.Job{ID: uuid.New(), CronExpr: "*/5 * * * *"}, starter)
	require.NoError(t, err)
}

func TestFireStartsABuild(t *testing.T) {
	starter := &fakeStarter{}
	jobID := uuid.New()

	c, err := New(&models.Job{ID: jobID, CronExpr: "0 0 * * *"}, starter)
	require.NoError(t, err)
	require.Equal(t, jobID, c.ID())

	require.NoError(t, c.Fire(context.Background()))
	require.Equal(t, []uuid.UUID{jobID}, starter.started)
}

func TestReconcileArmsAndDisarmsListeners(t *testing.T) {
	conn, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{},
	)
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.Job{}))

	scheduled := &models.Job{ID: uuid.New(), Name: "nightly", CronExpr: "0 2 * * *"}
	manual := &models.Job{ID: uuid.New(), Name: "on-demand"}
	require.NoError(t, conn.Create(scheduled).Error)
	require.NoError(t, conn.Create(manual).Error)

	r := NewRunner(conn, &fakeStarter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.reconcile(ctx))
	require.Len(t, r.armed, 1)
	require.Equal(t, "0 2 * * *", r.armed[scheduled.ID])

	// reschedule re-arms, unscheduling disarms
	require.NoError(t, conn.Model(scheduled).Update("cron_expr", "0 4 * * *").Error)
	require.NoError(t, r.reconcile(ctx))
	require.Equal(t, "0 4 * * *", r.armed[scheduled.ID])

	require.NoError(t, conn.Model(scheduled).Update("cron_expr", "").Error)
	require.NoError(t, r.reconcile(ctx))
	require.Empty(t, r.armed)
}
