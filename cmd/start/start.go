package start

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/conveyor-ci/conveyor/api"
	buildsvc "github.com/conveyor-ci/conveyor/api/rest/service/build"
	"github.com/conveyor-ci/conveyor/internal/core"
	"github.com/conveyor-ci/conveyor/internal/dispatch"
	"github.com/conveyor-ci/conveyor/internal/jobdef"
	"github.com/conveyor-ci/conveyor/internal/trigger/cron"
	"github.com/conveyor-ci/conveyor/internal/trigger/downstream"
	"github.com/conveyor-ci/conveyor/pkg/db"
	"github.com/conveyor-ci/conveyor/pkg/env"
	"github.com/conveyor-ci/conveyor/pkg/log"
	"github.com/spf13/cobra"
)

const (
	usage   = "start"
	short   = "Start a conveyor orchestration instance"
	long    = "This command starts a conveyor orchestration instance"
	example = "conveyor start"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "run", "begin"},
		Example:    example,
		RunE:       start,
	}
)

var cancel context.CancelFunc

func start(cmd *cobra.Command, args []string) error {
	signalChan := make(chan os.Signal, 1)

	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 signal")
				if profile := pprof.Lookup("goroutine"); profile != nil {
					if err := profile.WriteTo(os.Stdout, 1); err != nil {
						log.Error("write goroutine profile", "error", err)
					}
				}
			case syscall.SIGINT:
				log.Info("gracefully shutting down due to SIGINT signal")
				shutdown()
				os.Exit(0)
			}
		}
	}()

	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT)

	var errs = make(chan error)
	ctx, cancelFunc := context.WithCancel(context.Background())
	cancel = cancelFunc

	log.Info("migrating database")
	if err := db.Migrate(); err != nil {
		log.Fatal("database migration failure", "error", err)
	}

	vars := env.Variables()

	log.Info("loading agent registry")
	if err := core.Registry().Load(ctx); err != nil {
		log.Fatal("agent registry load failure", "error", err)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Ledger:    core.Ledger(),
		Registry:  core.Registry(),
		Approvals: core.Approvals(),
		DB:        db.Connection(),
		Bus:       core.Bus(),
		PoolSize:  vars.ExecutorPoolSize,
		Interval:  vars.DispatchInterval,
	})
	core.SetDispatcher(dispatcher)

	if vars.DefinitionsDir != "" {
		log.Info("importing job definitions", "dir", vars.DefinitionsDir)
		importer := jobdef.NewImporter(db.Connection())
		if _, err := importer.ImportDir(ctx, vars.DefinitionsDir, vars.DefinitionsPattern); err != nil {
			log.Fatal("job definition import failure", "error", err)
		}
	}

	log.Info("recovering interrupted builds")
	if err := dispatcher.Recover(ctx); err != nil {
		log.Fatal("build recovery failure", "error", err)
	}

	starter := buildsvc.Service(ctx)

	go func() {
		log.Info("launching dispatcher")
		errs <- dispatcher.Run(ctx)
	}()

	go core.Registry().RunSweeper(ctx, vars.AgentSweepInterval)
	go core.Approvals().RunSweeper(ctx, vars.GateSweepInterval)

	go func() {
		log.Info("arming cron triggers")
		errs <- cron.NewRunner(db.Connection(), starter).Run(ctx)
	}()

	go func() {
		log.Info("arming downstream triggers")
		errs <- downstream.New(db.Connection(), core.Bus(), starter).Run(ctx)
	}()

	go func() {
		log.Info("spinning up api")
		errs <- api.Start()
	}()

	defer shutdown()

	return <-errs
}

func shutdown() {
	if cancel != nil {
		cancel()
	}
}
