// Command kgsm-instance is the binary every generated <name>.manage.sh
// script execs into (spec §4.3): a closed set of flags operating on a
// single instance named by --config.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"

	kgsm "github.com/TheKrystalShip/KGSM-sub003"
	"github.com/TheKrystalShip/KGSM-sub003/buildinfo"
	"github.com/TheKrystalShip/KGSM-sub003/config"
	"github.com/TheKrystalShip/KGSM-sub003/containerengine"
	"github.com/TheKrystalShip/KGSM-sub003/daemon"
	"github.com/TheKrystalShip/KGSM-sub003/steamclient"
)

// CLI mirrors the flag surface a generated manage.sh script can invoke
// (spec §4.3): exactly one action flag is expected per invocation.
type CLI struct {
	Config string `placeholder:"<path>" help:"path to the instance's .ini config file"`
	Root   string `default:"/opt/kgsm" placeholder:"<dir>" help:"kgsm root directory"`

	BuildVersion bool `name:"version" help:"print this binary's build information and exit"`

	VersionInstalled bool `name:"version-installed" help:"print the instance's installed content version"`
	VersionLatest    bool `name:"version-latest" help:"print the blueprint's latest available content version"`
	VersionCompare   bool `name:"version-compare" help:"exit 0 iff the instance is already on the latest content version"`

	Start          bool   `help:"start the instance"`
	Background     bool   `help:"used with --start: detach instead of waiting"`
	Stop           bool   `help:"stop the instance"`
	Restart        bool   `help:"stop then start the instance"`
	Kill           bool   `help:"force-terminate the instance"`
	IsActive       bool   `name:"is-active" help:"exit 0 iff the instance is active"`
	Status         bool   `help:"print a structured status record"`
	JSON           bool   `help:"used with --status: emit JSON"`
	Fast           bool   `help:"used with --status: skip the latest-version probe"`
	Logs           bool   `help:"print/follow instance logs"`
	Tail           int    `default:"0" help:"used with --logs: number of lines (0 = instance default)"`
	Follow         bool   `help:"used with --logs: follow new output"`
	Save           bool   `help:"send the save_command to the instance"`
	Input          string `placeholder:"<cmd>" help:"write a line to the instance's input socket"`
	Download       string `placeholder:"<version>" help:"download content into temp_dir"`
	Deploy         bool   `help:"deploy content from temp_dir into install_dir"`
	Update         bool   `help:"run the full update pipeline"`
	CreateBackup   bool   `name:"create-backup" help:"snapshot install_dir"`
	ListBackups    bool   `name:"list-backups" help:"list backups"`
	RestoreBackup  string `name:"restore-backup" placeholder:"<id>" help:"restore a backup by id"`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("manage a single kgsm game server instance"))

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), &cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cli *CLI) error {
	if cli.BuildVersion {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Get())
	}

	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}

	paths := kgsm.NewPaths(cli.Root)
	cfg, err := config.Load(paths.ConfigFilePath())
	if err != nil {
		return err
	}

	inst, err := kgsm.LoadInstance(cli.Config)
	if err != nil {
		return err
	}

	resolver := kgsm.NewBlueprintResolver(cli.Root)
	bp, err := resolver.Resolve(inst.BlueprintFile)
	if err != nil {
		return err
	}

	events := kgsm.NewEventFabric(ctx, cfg)
	fileOps := kgsm.NewFileOps()
	container := containerengine.New("docker")
	lifecycle := kgsm.NewLifecycleEngine(fileOps, events, container, nil, cfg.LogMaxSizeKB)

	steam := steamclient.New("steamcmd")
	overrides := kgsm.NewOverrideLoader(cli.Root, steam, &http.Client{Timeout: 5 * time.Minute})
	tracker := kgsm.NewVersionTracker(overrides)
	deploy := kgsm.NewDeployPipeline(overrides, fileOps, events)
	backups := kgsm.NewBackupEngine(fileOps, events)

	switch {
	case cli.VersionInstalled:
		fmt.Println(tracker.Installed(inst))
		return nil
	case cli.VersionLatest:
		latest, err := tracker.Latest(ctx, bp)
		if err != nil {
			return err
		}
		fmt.Println(latest)
		return nil
	case cli.VersionCompare:
		result, err := tracker.Compare(ctx, inst, bp)
		if err != nil {
			return err
		}
		if !result.UpToDate {
			os.Exit(1)
		}
		return nil
	case cli.Start:
		if err := lifecycle.Start(ctx, inst, bp); err != nil {
			return err
		}
		armReadiness(ctx, cli.Root, inst.Name)
		return nil
	case cli.Stop:
		return lifecycle.Stop(ctx, inst, time.Duration(cfg.InstanceStopCommandTimeoutSeconds)*time.Second)
	case cli.Restart:
		if err := lifecycle.Stop(ctx, inst, time.Duration(cfg.InstanceStopCommandTimeoutSeconds)*time.Second); err != nil {
			return err
		}
		if err := lifecycle.Start(ctx, inst, bp); err != nil {
			return err
		}
		armReadiness(ctx, cli.Root, inst.Name)
		return nil
	case cli.Kill:
		return lifecycle.Kill(ctx, inst)
	case cli.IsActive:
		active, err := lifecycle.IsActive(ctx, inst)
		if err != nil {
			return err
		}
		if !active {
			os.Exit(1)
		}
		return nil
	case cli.Status:
		rec, err := lifecycle.Status(ctx, inst, tracker, bp, cli.Fast)
		if err != nil {
			return err
		}
		if cli.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}
		fmt.Printf("%+v\n", *rec)
		return nil
	case cli.Logs:
		tail := cli.Tail
		if tail == 0 {
			tail = inst.TailLinesDefault
		}
		return lifecycle.Logs(ctx, inst, tail, cli.Follow, os.Stdout)
	case cli.Save:
		return lifecycle.Save(ctx, inst, time.Duration(cfg.InstanceSaveCommandTimeoutSeconds)*time.Second)
	case cli.Input != "":
		return lifecycle.Input(ctx, inst, cli.Input)
	case cli.Download != "":
		return deploy.Download(ctx, inst, bp, cli.Download)
	case cli.Deploy:
		return deploy.Deploy(ctx, inst, bp)
	case cli.Update:
		updater := kgsm.NewUpdateEngine(tracker, deploy, backups, lifecycle, kgsm.NewManager(paths, nil), events)
		return updater.Update(ctx, inst, bp, cfg.EnableBackupCompression, time.Duration(cfg.InstanceStopCommandTimeoutSeconds)*time.Second)
	case cli.CreateBackup:
		_, err := backups.Create(ctx, inst, cfg.EnableBackupCompression)
		return err
	case cli.ListBackups:
		list, err := backups.List(inst)
		if err != nil {
			return err
		}
		for _, b := range list {
			fmt.Printf("%s\t%s\t%v\n", b.ID, b.Version, b.CreatedAt)
		}
		return nil
	case cli.RestoreBackup != "":
		return backups.Restore(ctx, inst, cli.RestoreBackup)
	default:
		return fmt.Errorf("no action flag given")
	}
}

// armReadiness best-effort notifies a running kgsmd daemon to watch the
// just-started instance for readiness. Its absence is not an error: a
// kgsm root with no daemon running simply never emits instance_ready.
func armReadiness(ctx context.Context, root, instanceName string) {
	sockCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	socketPath := filepath.Join(kgsm.NewPaths(root).Root, "kgsmd.sock")
	client := daemon.NewClient(socketPath)
	if err := client.Arm(sockCtx, instanceName, 0); err != nil {
		slog.DebugContext(ctx, "armReadiness: no daemon reachable", "instance", instanceName, "error", err)
	}
}
