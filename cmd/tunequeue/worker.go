package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tunequeue/tunequeue/pkg/cli"
	"github.com/tunequeue/tunequeue/pkg/daemon"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/modules/chess"
	"github.com/tunequeue/tunequeue/pkg/worker"
)

// defaultLockfilePath is the well-known per-host lockfile location.
func defaultLockfilePath() string {
	return filepath.Join(os.TempDir(), "tunequeue-worker.lock")
}

var workerCmd = &cobra.Command{
	Use:   "worker [--command [key=value...]]",
	Short: "Worker host operations",
	Long: `Operate the worker control daemon on this host.

Commands use the --command [key=value...] form. Backend commands are
forwarded to the running daemon's command socket; frontend commands
(--deploy, --help, --version) execute locally.

Examples:
  tunequeue worker --deploy
  tunequeue worker --connect host=mgr:8080 name=w1 cpus=4
  tunequeue worker --query_worker_state
  tunequeue worker --stop_worker`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 && args[0] == "daemon" {
			return runWorkerDaemon(args[1:])
		}
		return runWorkerFrontend(args)
	},
}

// runWorkerFrontend executes one operator invocation and prints the
// reply.
func runWorkerFrontend(args []string) error {
	s, _, err := loadSettingsPath(settingsPathFrom(args))
	if err != nil {
		return err
	}
	args = stripSettingsFlag(args)

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	front := cli.New(cli.Config{
		ProcessPort:   s.ProcessPort,
		LockfilePath:  defaultLockfilePath(),
		DaemonCommand: []string{exe, "worker", "daemon"},
		Version:       Version,
	})
	reply, err := front.Run(args)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

// runWorkerDaemon runs the control daemon in the foreground until a
// stop command or signal arrives. --deploy spawns exactly this.
func runWorkerDaemon(args []string) error {
	s, loader, err := loadSettingsPath(settingsPathFrom(args))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if err := initLogging(s); err != nil {
		return err
	}

	modules := module.NewRegistry()
	subModules := module.NewSubModuleRegistry()
	chess.Register(modules, subModules)
	modules.Freeze()
	subModules.Freeze()

	pool := worker.New(worker.Config{
		Modules:      modules,
		SubModules:   subModules,
		PoolCapacity: runtime.NumCPU(),
	})

	d := daemon.New(daemon.Config{
		LockfilePath: defaultLockfilePath(),
		Settings:     s,
		Pool:         pool,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return d.Run(ctx)
}

// settingsPathFrom extracts a settings=PATH token, since the worker
// command disables cobra flag parsing to keep the --command form
// intact.
func settingsPathFrom(args []string) string {
	for _, a := range args {
		if len(a) > len("settings=") && a[:len("settings=")] == "settings=" {
			return a[len("settings="):]
		}
	}
	return ""
}

func stripSettingsFlag(args []string) []string {
	out := args[:0:0]
	for _, a := range args {
		if len(a) > len("settings=") && a[:len("settings=")] == "settings=" {
			continue
		}
		out = append(out, a)
	}
	return out
}
