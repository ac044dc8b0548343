package ledger

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

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{},
	)
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.Build{}))
	return conn
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	l := New(openTestDB(t), nil)
	jobID := uuid.New()

	for i := 1; i <= 3; i++ {
		build, err := l.Create(context.Background(), jobID, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(i), build.Number)
		require.Equal(t, models.BuildStatusQueued, build.Status)
		require.Equal(t, 1, build.Attempt)
		require.Equal(t, build.ID, build.RootID)
	}
}

func TestCreateConcurrentNumbersAreDense(t *testing.T) {
	l := New(openTestDB(t), nil)
	jobID := uuid.New()

	const n = 20
	var wg sync.WaitGroup
	numbers := make(chan uint64, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			build, err := l.Create(context.Background(), jobID, nil)
			if err != nil {
				t.Error(err)
				return
			}
			numbers <- build.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[uint64]bool{}
	for number := range numbers {
		require.False(t, seen[number], "duplicate build number %d", number)
		seen[number] = true
	}
	require.Len(t, seen, n)
	for i := uint64(1); i <= n; i++ {
		require.True(t, seen[i], "missing build number %d", i)
	}
}

func TestCreatePerJobNumbering(t *testing.T) {
	l := New(openTestDB(t), nil)

	first, err := l.Create(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	second, err := l.Create(context.Background(), uuid.New(), nil)
	require.NoError(t, err)

	require.Equal(t, uint64(1), first.Number)
	require.Equal(t, uint64(1), second.Number)
}

func TestRetryChain(t *testing.T) {
	l := New(openTestDB(t), nil)
	ctx := context.Background()
	jobID := uuid.New()

	first, err := l.Create(ctx, jobID, nil)
	require.NoError(t, err)
	_, err = l.Transition(ctx, first.ID, models.BuildStatusRunning)
	require.NoError(t, err)
	_, err = l.Transition(ctx, first.ID, models.BuildStatusFailed)
	require.NoError(t, err)

	second, err := l.Create(ctx, jobID, &first.ID)
	require.NoError(t, err)
	require.Equal(t, 2, second.Attempt)
	require.Equal(t, first.ID, second.RootID)
	require.Equal(t, uint64(2), second.Number)

	third, err := l.Create(ctx, jobID, &second.ID)
	require.NoError(t, err)
	require.Equal(t, 3, third.Attempt)
	require.Equal(t, first.ID, third.RootID)

	attempts, err := l.ListAttempts(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, build := range attempts {
		require.Equal(t, i+1, build.Attempt)
		require.Equal(t, first.ID, build.RootID)
	}
}

func TestRetryChainDepthBound(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)
	ctx := context.Background()
	jobID := uuid.New()

	// two builds pointing at each other: a corrupt, unterminated chain
	a := &models.Build{ID: uuid.New(), JobID: jobID, Number: 1, Status: models.BuildStatusFailed, Attempt: 1}
	b := &models.Build{ID: uuid.New(), JobID: jobID, Number: 2, Status: models.BuildStatusFailed, Attempt: 2}
	a.RootID = a.ID
	b.RootID = a.ID
	a.ParentID = &b.ID
	b.ParentID = &a.ID
	require.NoError(t, conn.Create(a).Error)
	require.NoError(t, conn.Create(b).Error)

	retry, err := l.Create(ctx, jobID, &a.ID)
	require.NoError(t, err)
	require.Equal(t, retry.ID, retry.RootID)
	require.Equal(t, 1, retry.Attempt)
}

func TestTransitionLifecycle(t *testing.T) {
	l := New(openTestDB(t), nil)
	ctx := context.Background()

	build, err := l.Create(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.Nil(t, build.StartedAt)

	running, err := l.Transition(ctx, build.ID, models.BuildStatusRunning)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	require.Nil(t, running.CompletedAt)

	done, err := l.Transition(ctx, build.ID, models.BuildStatusSucceeded)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
}

func TestTransitionTerminalIsFinal(t *testing.T) {
	l := New(openTestDB(t), nil)
	ctx := context.Background()

	build, err := l.Create(ctx, uuid.New(), nil)
	require.NoError(t, err)
	_, err = l.Transition(ctx, build.ID, models.BuildStatusAborted)
	require.NoError(t, err)

	_, err = l.Transition(ctx, build.ID, models.BuildStatusRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = l.Transition(ctx, build.ID, models.BuildStatusSucceeded)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// state untouched
	got, err := l.Get(ctx, build.ID)
	require.NoError(t, err)
	require.Equal(t, models.BuildStatusAborted, got.Status)
}

func TestTransitionRejectsBogusStatus(t *testing.T) {
	l := New(openTestDB(t), nil)
	ctx := context.Background()

	build, err := l.Create(ctx, uuid.New(), nil)
	require.NoError(t, err)

	_, err = l.Transition(ctx, build.ID, models.BuildStatus("paused"))
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = l.Transition(ctx, build.ID, models.BuildStatusQueued)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRetryParentMustExist(t *testing.T) {
	l := New(openTestDB(t), nil)
	missing := uuid.New()

	_, err := l.Create(context.Background(), uuid.New(), &missing)
	require.Error(t, err)
}
