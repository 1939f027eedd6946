package kgsm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/TheKrystalShip/KGSM-sub003/containerengine"
	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/TheKrystalShip/KGSM-sub003/systemdunit"
)

const lifecycleComponent = "lifecycle"

// State is one node of the C10 state machine (spec §4.5).
type State string

const (
	StateAbsent    State = "absent"
	StateInstalled State = "installed"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// StatusRecord is the structured answer to `--status` (spec §4.5).
type StatusRecord struct {
	Active           bool
	PID              int
	UptimeSeconds    int64
	CPUPercent       float64
	MemoryBytes      int64
	VersionInstalled string
	VersionLatest    *string // nil when --fast or no source
	Ports            string
	LifecycleManager LifecycleManager
}

// LifecycleEngine implements C10: start/stop/restart/kill/save/input and
// is-active/status/logs, across the native and container runtimes.
type LifecycleEngine struct {
	fileOps   FileOps
	events    *EventFabric
	container containerengine.Ops
	systemd   *systemdunit.Manager // nil unless enable_systemd

	logMaxSizeKB int
}

func NewLifecycleEngine(fileOps FileOps, events *EventFabric, container containerengine.Ops, systemd *systemdunit.Manager, logMaxSizeKB int) *LifecycleEngine {
	return &LifecycleEngine{fileOps: fileOps, events: events, container: container, systemd: systemd, logMaxSizeKB: logMaxSizeKB}
}

// composeFilePath returns the docker-compose.yml path C7 wrote for inst.
func composeFilePath(inst *Instance) string {
	return filepath.Join(inst.WorkingDir, "docker-compose.yml")
}

// IsActive reports whether inst currently has a live process/container.
func (e *LifecycleEngine) IsActive(ctx context.Context, inst *Instance) (bool, error) {
	if inst.Runtime == RuntimeContainer {
		out, err := e.container.PS(ctx, composeFilePath(inst), inst.WorkingDir)
		if err != nil {
			return false, kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "checking container state for "+inst.Name, err)
		}
		return strings.Contains(out, `"State":"running"`) || strings.Contains(out, "running"), nil
	}

	pid, err := readPIDFile(inst.PIDFile)
	if err != nil {
		return false, nil
	}
	return pidAlive(pid), nil
}

// Start implements the Absent/Stopped → Starting → Running transition
// (spec §4.5). It never blocks for the process's own exit: it returns once
// the native child is spawned and its pid persisted, or once compose up
// returns for a container.
func (e *LifecycleEngine) Start(ctx context.Context, inst *Instance, bp *Blueprint) error {
	active, err := e.IsActive(ctx, inst)
	if err != nil {
		return err
	}
	if active {
		return kgsmerr.New(kgsmerr.State, lifecycleComponent, "instance already running: "+inst.Name)
	}

	e.events.Emit(ctx, EventStarted, map[string]any{"Instance": inst.Name, "Phase": "starting"})

	if inst.Runtime == RuntimeContainer {
		if err := e.startContainer(ctx, inst); err != nil {
			return err
		}
	} else {
		if err := e.startNative(ctx, inst, bp); err != nil {
			return err
		}
	}

	if inst.LifecycleManager == LifecycleSystemd && e.systemd != nil {
		unit := inst.Name + ".service"
		if err := e.systemd.Start(ctx, unit); err != nil {
			return err
		}
	}

	e.events.Emit(ctx, EventStarted, map[string]any{"Instance": inst.Name})
	return nil
}

func (e *LifecycleEngine) startContainer(ctx context.Context, inst *Instance) error {
	if _, err := e.container.Up(ctx, composeFilePath(inst), inst.WorkingDir); err != nil {
		return kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "starting container for "+inst.Name, err)
	}
	return nil
}

// startNative setsid's the executable with CWD under install_dir, argv
// built by substituting $INSTANCE_* placeholders into executable_arguments,
// stdout/stderr piped to a size-rotated log file, and an optional FIFO
// input socket for interactive stop/save commands (spec §4.5).
func (e *LifecycleEngine) startNative(ctx context.Context, inst *Instance, bp *Blueprint) error {
	workDir := inst.InstallDir
	if bp.Subdirectory != "" {
		workDir = filepath.Join(inst.InstallDir, bp.Subdirectory)
	}

	vars := placeholders(inst)
	argLine := expand(bp.ExecutableArguments, vars)
	args := strings.Fields(argLine)

	exePath := filepath.Join(workDir, bp.ExecutableFile)
	cmd := exec.Command(exePath, args...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := e.fileOps.MkdirAll(inst.LogsDir, 0o755); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "creating logs dir", err)
	}
	logWriter := newSizeRotatedLogWriter(filepath.Join(inst.LogsDir, "latest.log"), e.logMaxSizeKB)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter

	if inst.StopCommand != "" || inst.SaveCommand != "" {
		if inst.InputSocket == "" {
			inst.InputSocket = filepath.Join(inst.WorkingDir, inst.Name+".sock")
		}
		os.Remove(inst.InputSocket)
		if err := syscall.Mkfifo(inst.InputSocket, 0o600); err != nil {
			return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "creating input fifo "+inst.InputSocket, err)
		}
		// Opening a FIFO for read+write from this process keeps it open
		// across child writes without blocking on a reader; the child's
		// stdin is the same fd so the socket closes when the child exits.
		fifo, err := os.OpenFile(inst.InputSocket, os.O_RDWR, 0o600)
		if err != nil {
			return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "opening input fifo "+inst.InputSocket, err)
		}
		cmd.Stdin = fifo
	}

	if err := cmd.Start(); err != nil {
		return kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "starting "+exePath, err)
	}

	if err := os.WriteFile(inst.PIDFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "writing pid file", err)
	}

	// Reap the child asynchronously so it doesn't become a zombie; this
	// process doesn't block callers waiting on the game server itself.
	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

// sizeRotatedLogWriter wraps lumberjack.Logger with a precise byte-size
// check before every write. lumberjack.Logger.MaxSize is megabyte-granular,
// which can't honor a log_max_size_kb under 1024 (spec §8 wants rotation at
// ">= log_max_size_kb*1024 bytes"); this forces the rotation lumberjack
// would otherwise defer to its next MB boundary, and lets lumberjack itself
// keep doing the rename/compress/retain dance (Rotate).
type sizeRotatedLogWriter struct {
	lj       *lumberjack.Logger
	maxBytes int64
}

func newSizeRotatedLogWriter(path string, maxSizeKB int) *sizeRotatedLogWriter {
	return &sizeRotatedLogWriter{
		lj:       &lumberjack.Logger{Filename: path, MaxSize: 1 << 20}, // effectively unbounded; we rotate manually
		maxBytes: int64(maxSizeKB) * 1024,
	}
}

func (w *sizeRotatedLogWriter) Write(p []byte) (int, error) {
	if w.maxBytes > 0 {
		if fi, err := os.Stat(w.lj.Filename); err == nil && fi.Size() >= w.maxBytes {
			if err := w.lj.Rotate(); err != nil {
				return 0, err
			}
		}
	}
	return w.lj.Write(p)
}

// Stop implements Running → Stopping → Stopped (spec §4.5): for a native
// instance, an interactive stop_command over the input socket if one is
// defined, else SIGTERM, escalating to Kill (SIGKILL) after stopTimeout. A
// container instance is stopped with a single plain `compose down`;
// stopTimeout does not apply to it and there is no escalation.
func (e *LifecycleEngine) Stop(ctx context.Context, inst *Instance, stopTimeout time.Duration) error {
	e.events.Emit(ctx, EventStopped, map[string]any{"Instance": inst.Name, "Phase": "stopping"})

	if inst.LifecycleManager == LifecycleSystemd && e.systemd != nil {
		if err := e.systemd.Stop(ctx, inst.Name+".service"); err != nil {
			return err
		}
		e.events.Emit(ctx, EventStopped, map[string]any{"Instance": inst.Name})
		return nil
	}

	if inst.Runtime == RuntimeContainer {
		if _, err := e.container.Down(ctx, composeFilePath(inst), inst.WorkingDir); err != nil {
			return kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "stopping container for "+inst.Name, err)
		}
		e.events.Emit(ctx, EventStopped, map[string]any{"Instance": inst.Name})
		return nil
	}

	pid, err := readPIDFile(inst.PIDFile)
	if err != nil {
		return kgsmerr.New(kgsmerr.NotFound, lifecycleComponent, "no pid file for "+inst.Name)
	}

	if inst.StopCommand != "" && inst.InputSocket != "" {
		if err := e.writeInputLine(inst, inst.StopCommand); err != nil {
			return err
		}
	} else {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			return kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "sending SIGTERM to "+inst.Name, err)
		}
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			os.Remove(inst.PIDFile)
			e.events.Emit(ctx, EventStopped, map[string]any{"Instance": inst.Name})
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	return e.Kill(ctx, inst)
}

// Kill force-terminates inst: SIGKILL to the process group for native. For
// a container it runs the same plain `compose down` as Stop; no `-t 0` is
// passed.
func (e *LifecycleEngine) Kill(ctx context.Context, inst *Instance) error {
	if inst.Runtime == RuntimeContainer {
		if _, err := e.container.Down(ctx, composeFilePath(inst), inst.WorkingDir); err != nil {
			return kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "force-stopping container for "+inst.Name, err)
		}
		e.events.Emit(ctx, EventStopped, map[string]any{"Instance": inst.Name, "Forced": true})
		return nil
	}

	pid, err := readPIDFile(inst.PIDFile)
	if err != nil {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "sending SIGKILL to "+inst.Name, err)
	}
	os.Remove(inst.PIDFile)
	e.events.Emit(ctx, EventStopped, map[string]any{"Instance": inst.Name, "Forced": true})
	return nil
}

// Save writes save_command into the input socket and waits up to
// saveTimeout; it is a no-op (returns Invalid) when no save_command is
// configured (spec §4.5).
func (e *LifecycleEngine) Save(ctx context.Context, inst *Instance, saveTimeout time.Duration) error {
	if inst.SaveCommand == "" {
		return kgsmerr.New(kgsmerr.Invalid, lifecycleComponent, "instance has no save_command: "+inst.Name)
	}
	if err := e.writeInputLine(inst, inst.SaveCommand); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(saveTimeout):
	}
	return nil
}

// Input writes an arbitrary line to the instance's input socket.
func (e *LifecycleEngine) Input(ctx context.Context, inst *Instance, cmd string) error {
	return e.writeInputLine(inst, cmd)
}

func (e *LifecycleEngine) writeInputLine(inst *Instance, line string) error {
	if inst.InputSocket == "" {
		return kgsmerr.New(kgsmerr.Invalid, lifecycleComponent, "instance has no input socket: "+inst.Name)
	}
	f, err := os.OpenFile(inst.InputSocket, os.O_WRONLY, 0)
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "opening input socket "+inst.InputSocket, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "writing to input socket "+inst.InputSocket, err)
	}
	return nil
}

// Status builds the structured record for `--status`; fast skips the
// version-latest probe (spec §4.5).
func (e *LifecycleEngine) Status(ctx context.Context, inst *Instance, tracker *VersionTracker, bp *Blueprint, fast bool) (*StatusRecord, error) {
	active, err := e.IsActive(ctx, inst)
	if err != nil {
		return nil, err
	}

	rec := &StatusRecord{
		Active:           active,
		VersionInstalled: inst.InstalledVersion,
		Ports:            inst.Ports.String(),
		LifecycleManager: inst.LifecycleManager,
	}

	if inst.Runtime == RuntimeNative {
		if pid, err := readPIDFile(inst.PIDFile); err == nil && pidAlive(pid) {
			rec.PID = pid
			if fi, err := os.Stat(inst.PIDFile); err == nil {
				rec.UptimeSeconds = int64(time.Since(fi.ModTime()).Seconds())
			}
			if utime, stime, err := readProcStat(pid); err == nil && rec.UptimeSeconds > 0 {
				cpuSeconds := float64(utime+stime) / clockTicksPerSecond
				rec.CPUPercent = (cpuSeconds / float64(rec.UptimeSeconds)) * 100
			}
			if rssBytes, err := readProcStatmRSS(pid); err == nil {
				rec.MemoryBytes = rssBytes
			}
		}
	}

	if !fast && bp != nil && tracker != nil {
		latest, err := tracker.Latest(ctx, bp)
		if err == nil {
			rec.VersionLatest = &latest
		}
	}

	return rec, nil
}

// Logs tails inst's log output. Native tails the rotated log file (and, on
// follow, switches to a new file after rotation); container delegates to
// `compose logs`; systemd-managed instances use journalctl (spec §4.5).
func (e *LifecycleEngine) Logs(ctx context.Context, inst *Instance, tail int, follow bool, w io.Writer) error {
	if inst.LifecycleManager == LifecycleSystemd {
		return e.journalctlLogs(ctx, inst, tail, follow, w)
	}
	if inst.Runtime == RuntimeContainer {
		return e.container.Logs(ctx, composeFilePath(inst), inst.WorkingDir, follow, tail, w)
	}
	return e.nativeLogs(ctx, inst, tail, follow, w)
}

func (e *LifecycleEngine) journalctlLogs(ctx context.Context, inst *Instance, tail int, follow bool, w io.Writer) error {
	args := []string{"-u", inst.Name + ".service", "-n", strconv.Itoa(tail)}
	if follow {
		args = append(args, "-f")
	}
	cmd := exec.CommandContext(ctx, "journalctl", args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		return kgsmerr.Wrap(kgsmerr.Upstream, lifecycleComponent, "journalctl for "+inst.Name, err)
	}
	return nil
}

func (e *LifecycleEngine) nativeLogs(ctx context.Context, inst *Instance, tail int, follow bool, w io.Writer) error {
	path := filepath.Join(inst.LogsDir, "latest.log")
	f, err := os.Open(path)
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "opening log "+path, err)
	}
	defer f.Close()

	if err := tailLines(f, tail, w); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	startInfo, err := f.Stat()
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.IO, lifecycleComponent, "stat log "+path, err)
	}
	lastSize := startInfo.Size()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.Size() < lastSize {
				// lumberjack rotated the file out from under us; reopen.
				f.Close()
				f, err = os.Open(path)
				if err != nil {
					continue
				}
				lastSize = 0
			}
			if info.Size() > lastSize {
				if _, err := f.Seek(lastSize, io.SeekStart); err == nil {
					io.Copy(w, f)
				}
				lastSize = info.Size()
			}
		}
	}
}

// tailLines writes the last n lines of r to w.
func tailLines(r io.Reader, n int, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}

// clockTicksPerSecond is the kernel's USER_HZ, read from sysconf(_SC_CLK_TCK)
// on every mainstream Linux distro; it has been 100 since the jiffies-to-HZ
// decoupling in 2.6 and glibc doesn't expose a cgo-free way to query it.
const clockTicksPerSecond = 100

// readProcStat returns (utime, stime) in clock ticks for pid, fields 14 and
// 15 of /proc/<pid>/stat (proc(5)). The comm field (2) is parenthesized and
// may itself contain spaces/parens, so splitting resumes after the last ')'
// rather than by naive field index.
func readProcStat(pid int) (utime, stime uint64, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	end := strings.LastIndexByte(string(data), ')')
	if end < 0 || end+2 >= len(data) {
		return 0, 0, kgsmerr.New(kgsmerr.IO, lifecycleComponent, fmt.Sprintf("malformed /proc/%d/stat", pid))
	}
	fields := strings.Fields(string(data[end+2:]))
	// fields[0] is state (field 3); utime/stime are fields 14/15, i.e.
	// indices 11/12 once state, ppid, pgrp, session, tty, tpgid, flags,
	// minflt, cminflt, majflt, cmajflt have been skipped.
	const utimeIdx, stimeIdx = 11, 12
	if len(fields) <= stimeIdx {
		return 0, 0, kgsmerr.New(kgsmerr.IO, lifecycleComponent, fmt.Sprintf("short /proc/%d/stat", pid))
	}
	utime, err = strconv.ParseUint(fields[utimeIdx], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err = strconv.ParseUint(fields[stimeIdx], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

// readProcStatmRSS returns the resident set size of pid in bytes, the
// second field of /proc/<pid>/statm (proc(5)) converted from pages.
func readProcStatmRSS(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, kgsmerr.New(kgsmerr.IO, lifecycleComponent, fmt.Sprintf("malformed /proc/%d/statm", pid))
	}
	rssPages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return rssPages * int64(os.Getpagesize()), nil
}

// marshalStatus renders a StatusRecord as JSON for `--status --json`.
func marshalStatus(rec *StatusRecord) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}
