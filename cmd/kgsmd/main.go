// Command kgsmd is the daemon process fronting the Readiness Watcher and
// Event Fabric (spec "Daemon mode"): higher-level tooling starts one per
// kgsm root and talks to it over its unix socket instead of embedding
// those long-running responsibilities itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"

	kgsm "github.com/TheKrystalShip/KGSM-sub003"
	"github.com/TheKrystalShip/KGSM-sub003/config"
	"github.com/TheKrystalShip/KGSM-sub003/daemon"
)

type CLI struct {
	Root string `default:"/opt/kgsm" placeholder:"<dir>" help:"kgsm root directory"`

	Start bool `help:"run the daemon in the foreground"`

	Ping     bool   `help:"check whether a daemon is reachable"`
	Shutdown bool   `help:"ask a running daemon to exit"`
	Arm      string `placeholder:"<instance>" help:"arm the readiness watcher for an instance"`
	Disarm   string `placeholder:"<instance>" help:"cancel an armed readiness watch"`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("supervise kgsm's long-running readiness and event fabric work"))

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), &cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cli *CLI) error {
	paths := kgsm.NewPaths(cli.Root)
	socketPath := filepath.Join(paths.Root, "kgsmd.sock")

	switch {
	case cli.Start:
		cfg, err := config.Load(paths.ConfigFilePath())
		if err != nil {
			return err
		}
		manager := kgsm.NewManager(paths, nil)
		events := kgsm.NewEventFabric(ctx, cfg)
		readiness := kgsm.NewReadinessWatcher(events)
		d := daemon.New(cli.Root, manager, readiness)
		return d.Serve(ctx)
	case cli.Ping:
		return daemon.NewClient(socketPath).Ping(ctx)
	case cli.Shutdown:
		return daemon.NewClient(socketPath).Shutdown(ctx)
	case cli.Arm != "":
		return daemon.NewClient(socketPath).Arm(ctx, cli.Arm, 0)
	case cli.Disarm != "":
		return daemon.NewClient(socketPath).Disarm(ctx, cli.Disarm)
	default:
		return fmt.Errorf("no action flag given")
	}
}
