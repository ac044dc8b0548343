package db

import (
	"sync"

	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/env"
	"github.com/conveyor-ci/conveyor/pkg/log"
	_ "github.com/jackc/pgx/v4"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	conn     *gorm.DB
	connOnce sync.Once
)

// Connection returns the shared database handle, opening it
// on first use according to the configured database type.
func Connection() *gorm.DB {
	connOnce.Do(func() {
		var err error

		switch env.Variables().DatabaseType {
		case "sqlite":
			conn, err = gorm.Open(
				sqlite.Open(env.Variables().DatabaseDSN),
				&gorm.Config{},
			)
		case "postgres":
			fallthrough
		default:
			conn, err = gorm.Open(
				postgres.Open(env.Variables().DatabaseDSN),
				&gorm.Config{},
			)
		}

		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}
	})

	return conn
}

// Migrate creates or updates the schema for every conveyor model.
func Migrate() error {
	return Connection().AutoMigrate(
		&models.Job{},
		&models.JobDependency{},
		&models.Build{},
		&models.StageRun{},
		&models.Agent{},
		&models.ApprovalGate{},
		&models.ApprovalResponse{},
	)
}
