package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tunequeue/tunequeue/pkg/api"
	"github.com/tunequeue/tunequeue/pkg/channel"
	"github.com/tunequeue/tunequeue/pkg/events"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/metrics"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/modules/chess"
	"github.com/tunequeue/tunequeue/pkg/registry"
	"github.com/tunequeue/tunequeue/pkg/scheduler"
	"github.com/tunequeue/tunequeue/pkg/settings"
	"github.com/tunequeue/tunequeue/pkg/task"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Manager node operations",
}

var managerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tunequeue manager",
	Long: `Start the manager: the HTTP orchestrator surface, the worker
registry and its audit thread, the job scheduler's worker-thread pool,
and the worker channel endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		s, loader, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		if loader != nil {
			defer loader.Close()
		}
		if err := initLogging(s); err != nil {
			return err
		}
		return runManager(s, loader, listen)
	},
}

func init() {
	managerCmd.AddCommand(managerStartCmd)
	managerStartCmd.Flags().String("listen", ":8080", "HTTP listen address")
}

// jobAborterProxy and dispatcherProxy break the construction cycles
// between the task engine, scheduler and channel server: each pair
// needs the other, so the later-constructed side is patched in after
// both exist.
type jobAborterProxy struct{ sched *scheduler.Scheduler }

func (p *jobAborterProxy) StopTaskJobs(taskID int64, generation uint64) {
	if p.sched != nil {
		p.sched.StopTaskJobs(taskID, generation)
	}
}

type dispatcherProxy struct{ server *channel.Server }

func (p *dispatcherProxy) SendJob(ctx context.Context, workerName string, jobID int64, args map[string]any) error {
	if p.server == nil {
		return fmt.Errorf("channel server not ready")
	}
	return p.server.SendJob(ctx, workerName, jobID, args)
}

func runManager(s settings.Settings, loader *settings.Loader, listen string) error {
	logger := log.WithComponent("manager")

	modules := module.NewRegistry()
	subModules := module.NewSubModuleRegistry()
	chess.Register(modules, subModules)
	modules.Freeze()
	subModules.Freeze()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	aborter := &jobAborterProxy{}
	engine := task.NewEngine(task.Config{
		Modules:    modules,
		SubModules: subModules,
		JobAborter: aborter,
		BuildDir:   s.BuildDir,
		Events:     broker,
	})

	dispatcher := &dispatcherProxy{}
	sched := scheduler.NewScheduler(scheduler.Config{
		Tasks:            engine,
		Dispatcher:       dispatcher,
		JobFailuresLimit: s.JobFailuresLimit,
		Events:           broker,
	})
	aborter.sched = sched

	workers := registry.NewRegistry(registry.Config{
		WorkerTimeout: s.WorkerTimeout(),
		AuditInterval: s.AuditInterval(),
		Jobs:          sched,
		Events:        broker,
	})

	chServer := channel.NewServer(workers, sched)
	dispatcher.server = chServer
	workers.SetSocketCloser(chServer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workers.StartAudit(ctx)
	defer workers.Stop()

	sched.Start(s.JobThreads)
	defer sched.Destroy()

	pump := scheduler.NewPump(sched, engine, workers, chServer, time.Second)
	pump.Start(ctx)
	defer pump.Stop()

	collector := metrics.NewCollector(engine, sched, workers)
	collector.Start()
	defer collector.Stop()

	if loader != nil {
		loader.OnChange(func(ns settings.Settings) {
			if err := sched.SetWorkerCount(ns.JobThreads); err != nil {
				logger.Warn().Err(err).Msg("settings reload carried a bad job_threads value")
			}
			if err := log.SetLevel(log.Level(ns.LogLevel)); err != nil {
				logger.Warn().Err(err).Msg("settings reload carried a bad log level")
			}
		})
	}

	apiServer := api.NewServer(api.Config{
		Tasks:      api.NewTaskEngineAdapter(engine),
		Modules:    modules,
		SubModules: subModules,
		Workers:    workers,
		Channel:    chServer,
	})
	mux := apiServer.Mux()
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.GentleStopTimeout())
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("listen", listen).Int("job_threads", s.JobThreads).Msg("manager started")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	logger.Info().Msg("manager stopped")
	return nil
}
