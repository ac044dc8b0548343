// Package jobdef loads pipeline definitions from disk into job rows,
// so a checked-in directory of YAML files is the source of truth for
// what the server schedules.
package jobdef

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/jsonmap"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Importer persists pipeline definitions as jobs.
type Importer struct {
	db *gorm.DB
}

func NewImporter(conn *gorm.DB) *Importer {
	if conn == nil {
		panic("jobdef importer requires a database connection")
	}
	return &Importer{db: conn}
}

// ImportDir parses every file under dir matching pattern and applies
// each definition. A bad file is reported and skipped so one typo does
// not block the rest of the directory.
func (i *Importer) ImportDir(ctx context.Context, dir, pattern string) ([]*models.Job, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("definitions glob %q: %w", pattern, err)
	}

	jobs := make([]*models.Job, 0, len(matches))
	for _, match := range matches {
		path := filepath.Join(dir, match)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		def, err := pipedef.Parse(data)
		if err != nil {
			log.Error("definition rejected", "path", path, "error", err)
			continue
		}

		job, err := i.Apply(ctx, def)
		if err != nil {
			log.Error("definition apply failed", "path", path, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	log.Info("definitions imported", "dir", dir, "imported", len(jobs), "files", len(matches))
	return jobs, nil
}

// Apply upserts the job for a definition, keyed by pipeline name. The
// stored document is the canonical JSON form of the parsed definition,
// not the authored YAML bytes.
func (i *Importer) Apply(ctx context.Context, def *pipedef.Definition) (*models.Job, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	doc, err := def.Canonical()
	if err != nil {
		return nil, err
	}

	var cronExpr string
	if def.Trigger != nil {
		cronExpr = def.Trigger.Cron
	}

	var result *models.Job
	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job := &models.Job{}
		err := tx.Where("name = ?", def.Metadata.Name).First(job).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			job = &models.Job{
				ID:         uuid.New(),
				Name:       def.Metadata.Name,
				Definition: doc,
				Labels:     jsonmap.FromStringMap(def.Metadata.Labels),
				CronExpr:   cronExpr,
			}
			if err := tx.Create(job).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			job.Definition = doc
			job.Labels = jsonmap.FromStringMap(def.Metadata.Labels)
			job.CronExpr = cronExpr
			if err := tx.Save(job).Error; err != nil {
				return err
			}
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
