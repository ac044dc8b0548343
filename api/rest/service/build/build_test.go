package build

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/conveyor-ci/conveyor/internal/ledger"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const pipeline = `
apiVersion: v1
kind: Pipeline
metadata:
  name: release
stages:
  - name: compile
  - name: publish
    dependsOn: [compile]
`

func testService(t *testing.T) (Build, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{},
	)
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.Job{},
		&models.Build{},
		&models.StageRun{},
	))
	svc := Service(context.Background()).
		WithDatabase(conn).
		WithLedger(ledger.New(conn, nil)).
		WithDispatcher(nil)
	return svc, conn
}

func seedJob(t *testing.T, conn *gorm.DB) *models.Job {
	t.Helper()
	def, err := pipedef.Parse([]byte(pipeline))
	require.NoError(t, err)
	doc, err := def.Canonical()
	require.NoError(t, err)

	job := &models.Job{
		ID:         uuid.New(),
		Name:       def.Metadata.Name,
		Definition: doc,
	}
	require.NoError(t, conn.Create(job).Error)
	return job
}

func TestCreateQueuesBuildForKnownJob(t *testing.T) {
	svc, conn := testService(t)
	job := seedJob(t, conn)

	build, err := svc.Create(&CreateRequest{JobID: job.ID})
	require.NoError(t, err)
	require.Equal(t, models.BuildStatusQueued, build.Status)
	require.Equal(t, build.ID, build.RootID)
	require.Equal(t, 1, build.Attempt)
}

func TestCreateRejectsUnknownJob(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Create(&CreateRequest{JobID: uuid.New()})
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestRetryChainsAttempts(t *testing.T) {
	svc, conn := testService(t)
	job := seedJob(t, conn)

	first, err := svc.Create(&CreateRequest{JobID: job.ID})
	require.NoError(t, err)

	second, err := svc.Retry(first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.RootID)
	require.Equal(t, 2, second.Attempt)

	third, err := svc.Retry(second.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, third.RootID)
	require.Equal(t, 3, third.Attempt)

	attempts, err := svc.Attempts(third.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, first.ID, attempts[0].ID)
	require.Equal(t, third.ID, attempts[2].ID)
}

func TestRetryUnknownBuild(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Retry(uuid.New())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestAbortWithoutDispatcherTransitionsTheLedger(t *testing.T) {
	svc, conn := testService(t)
	job := seedJob(t, conn)

	build, err := svc.Create(&CreateRequest{JobID: job.ID})
	require.NoError(t, err)

	require.NoError(t, svc.Abort(build.ID))

	got, err := svc.Get(build.ID)
	require.NoError(t, err)
	require.Equal(t, models.BuildStatusAborted, got.Status)

	// Aborted is terminal, a second abort must be refused.
	require.ErrorIs(t, svc.Abort(build.ID), ledger.ErrInvalidTransition)
}

func TestListFiltersByJobAndStatus(t *testing.T) {
	svc, conn := testService(t)
	job := seedJob(t, conn)
	other := seedJobNamed(t, conn, "hotfix")

	b1, err := svc.Create(&CreateRequest{JobID: job.ID})
	require.NoError(t, err)
	_, err = svc.Create(&CreateRequest{JobID: other.ID})
	require.NoError(t, err)

	require.NoError(t, svc.Abort(b1.ID))

	builds, err := svc.List(&ListRequest{JobID: job.ID.String()})
	require.NoError(t, err)
	require.Len(t, builds, 1)

	builds, err = svc.List(&ListRequest{Status: string(models.BuildStatusQueued)})
	require.NoError(t, err)
	require.Len(t, builds, 1)
	require.Equal(t, other.ID, builds[0].JobID)
}

func seedJobNamed(t *testing.T, conn *gorm.DB, name string) *models.Job {
	t.Helper()
	def, err := pipedef.Parse([]byte(pipeline))
	require.NoError(t, err)
	def.Metadata.Name = name
	doc, err := json.Marshal(def)
	require.NoError(t, err)

	job := &models.Job{ID: uuid.New(), Name: name, Definition: doc}
	require.NoError(t, conn.Create(job).Error)
	return job
}

func TestStagesEmptyWithoutDispatcher(t *testing.T) {
	svc, conn := testService(t)
	job := seedJob(t, conn)

	build, err := svc.Create(&CreateRequest{JobID: job.ID})
	require.NoError(t, err)

	stages, err := svc.Stages(build.ID)
	require.NoError(t, err)
	require.Empty(t, stages)
}
