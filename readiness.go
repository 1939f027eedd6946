package kgsm

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"github.com/TheKrystalShip/KGSM-sub003/ports"
)

const readinessComponent = "readiness"

// ReadinessWatcher implements C11: polls /proc/net for a listener on the
// instance's first port while its pid stays alive, emitting instance_ready
// on the first hit. One Watcher call monitors one instance; callers run
// many concurrently for many instances.
type ReadinessWatcher struct {
	events *EventFabric
}

func NewReadinessWatcher(events *EventFabric) *ReadinessWatcher {
	return &ReadinessWatcher{events: events}
}

// Watch blocks until the instance's first port is bound, the pid dies, or
// timeout elapses (spec §4.6). Returns nil only on the first case.
func (w *ReadinessWatcher) Watch(ctx context.Context, inst *Instance, timeout time.Duration) error {
	port, protos, ok := inst.Ports.First()
	if !ok {
		return kgsmerr.New(kgsmerr.Invalid, readinessComponent, "instance has no ports to watch: "+inst.Name)
	}

	deadline := time.Now().Add(timeout)

	pidDeadline := time.Now().Add(10 * time.Second)
	var pid int
	for {
		if time.Now().After(pidDeadline) {
			return kgsmerr.New(kgsmerr.Timeout, readinessComponent, "pid file did not appear within 10s: "+inst.PIDFile)
		}
		p, err := readPIDFile(inst.PIDFile)
		if err == nil {
			pid = p
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		if !pidAlive(pid) {
			return kgsmerr.New(kgsmerr.State, readinessComponent, fmt.Sprintf("pid %d for instance %s died before readiness", pid, inst.Name))
		}
		if portBound(port, protos) {
			w.events.Emit(ctx, EventReady, map[string]any{"Instance": inst.Name, "Port": port})
			return nil
		}
		if time.Now().After(deadline) {
			return kgsmerr.New(kgsmerr.Timeout, readinessComponent, fmt.Sprintf("instance %s not ready on port %d within %s", inst.Name, port, timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// pidAlive sends signal 0, which performs only the existence/permission
// check without actually signaling the process (kill(2)).
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// portBound checks /proc/net/{tcp,tcp6,udp,udp6} for a listener bound to
// port (spec §4.6). Parsing /proc/net directly avoids a dependency on a
// netstat-style CLI tool that may not be installed.
func portBound(port int, protos []ports.Proto) bool {
	want := fmt.Sprintf("%04X", port)
	for _, proto := range protos {
		files := procNetFiles(proto)
		for _, f := range files {
			if fileHasLocalPort(f, want, proto == ports.TCP) {
				return true
			}
		}
	}
	return false
}

func procNetFiles(proto ports.Proto) []string {
	switch proto {
	case ports.TCP:
		return []string{"/proc/net/tcp", "/proc/net/tcp6"}
	case ports.UDP:
		return []string{"/proc/net/udp", "/proc/net/udp6"}
	default:
		return nil
	}
}

// tcpListen is the /proc/net/tcp* "st" column value for TCP_LISTEN
// (include/net/tcp_states.h).
const tcpListen = "0A"

// fileHasLocalPort scans a /proc/net/{tcp,udp}* table for a row whose
// local_address column ends in ":<wantHexPort>". Format per proc(5): sl,
// local_address (IP:PORT in hex), rem_address, st, ... For TCP, a port only
// counts as bound once its socket reaches LISTEN (st=0A); an ESTABLISHED
// row for the same local port (e.g. an outbound connection that happens to
// share it) must not be mistaken for readiness. UDP has no listen state, so
// requireListen is ignored for udp/udp6 tables.
func fileHasLocalPort(path, wantHexPort string, requireListen bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		local := fields[1]
		idx := strings.LastIndex(local, ":")
		if idx < 0 {
			continue
		}
		if !strings.EqualFold(local[idx+1:], wantHexPort) {
			continue
		}
		if requireListen && !strings.EqualFold(fields[3], tcpListen) {
			continue
		}
		return true
	}
	return false
}
