package downstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/event"
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

func (f *fakeStarter) jobs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.started...)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{},
	)
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.JobDependency{}))
	return conn
}

func TestUpstreamSuccessFiresDownstreamJob(t *testing.T) {
	conn := openTestDB(t)
	bus := event.New()
	starter := &fakeStarter{}

	upstream, downstream := uuid.New(), uuid.New()
	require.NoError(t, conn.Create(&models.JobDependency{
		ID:              uuid.New(),
		UpstreamJobID:   upstream,
		DownstreamJobID: downstream,
		TriggerOn:       models.BuildStatusSucceeded,
	}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = New(conn, bus, starter).Run(ctx) }()

	time.Sleep(20 * time.Millisecond) // let the subscription attach
	bus.Publish(event.Event{
		Type:    event.TypeBuildSucceeded,
		JobID:   upstream,
		BuildID: uuid.New(),
	})

	require.Eventually(t, func() bool {
		return len(starter.jobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, downstream, starter.jobs()[0])
}

func TestEdgeOnlyFiresForItsStatus(t *testing.T) {
	conn := openTestDB(t)
	bus := event.New()
	starter := &fakeStarter{}

	upstream := uuid.New()
	onFailure := uuid.New()
	require.NoError(t, conn.Create(&models.JobDependency{
		ID:              uuid.New(),
		UpstreamJobID:   upstream,
		DownstreamJobID: onFailure,
		TriggerOn:       models.BuildStatusFailed,
	}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = New(conn, bus, starter).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(event.Event{
		Type:    event.TypeBuildSucceeded,
		JobID:   upstream,
		BuildID: uuid.New(),
	})
	bus.Publish(event.Event{
		Type:    event.TypeBuildFailed,
		JobID:   upstream,
		BuildID: uuid.New(),
	})

	require.Eventually(t, func() bool {
		return len(starter.jobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, onFailure, starter.jobs()[0])
}

func TestFanOutFiresEveryDependentJob(t *testing.T) {
	conn := openTestDB(t)
	bus := event.New()
	starter := &fakeStarter{}

	upstream := uuid.New()
	downstreams := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range downstreams {
		require.NoError(t, conn.Create(&models.JobDependency{
			ID:              uuid.New(),
			UpstreamJobID:   upstream,
			DownstreamJobID: id,
			TriggerOn:       models.BuildStatusSucceeded,
		}).Error)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = New(conn, bus, starter).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(event.Event{
		Type:    event.TypeBuildSucceeded,
		JobID:   upstream,
		BuildID: uuid.New(),
	})

	require.Eventually(t, func() bool {
		return len(starter.jobs()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, downstreams, starter.jobs())
}
