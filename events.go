package kgsm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/TheKrystalShip/KGSM-sub003/config"
)

// EventType is one member of the closed taxonomy in spec §6.
type EventType string

const (
	EventInstallationStarted  EventType = "instance_installation_started"
	EventInstallationFinished EventType = "instance_installation_finished"
	EventDirectoriesCreated   EventType = "instance_directories_created"
	EventDirectoriesRemoved   EventType = "instance_directories_removed"
	EventFilesCreated         EventType = "instance_files_created"
	EventFilesRemoved         EventType = "instance_files_removed"
	EventDownloadStarted      EventType = "instance_download_started"
	EventDownloadFinished     EventType = "instance_download_finished"
	EventDownloaded           EventType = "instance_downloaded"
	EventDeployStarted        EventType = "instance_deploy_started"
	EventDeployFinished       EventType = "instance_deploy_finished"
	EventDeployed             EventType = "instance_deployed"
	EventVersionUpdated       EventType = "instance_version_updated"
	EventUpdateStarted        EventType = "instance_update_started"
	EventUpdateFinished       EventType = "instance_update_finished"
	EventUpdateFailed         EventType = "instance_update_failed"
	EventUpdated              EventType = "instance_updated"
	EventInstalled            EventType = "instance_installed"
	EventUninstallStarted     EventType = "instance_uninstall_started"
	EventUninstallFinished    EventType = "instance_uninstall_finished"
	EventRemoved              EventType = "instance_removed"
	EventUninstalled          EventType = "instance_uninstalled"
	EventStarted              EventType = "instance_started"
	EventReady                EventType = "instance_ready"
	EventStopped              EventType = "instance_stopped"
	EventBackupCreated        EventType = "instance_backup_created"
	EventBackupRestored       EventType = "instance_backup_restored"
)

// Event is the immutable record dispatched to every sink (spec §3/§6).
type Event struct {
	EventType EventType      `json:"EventType"`
	Data      map[string]any `json:"Data"`
}

const eventsComponent = "events"
const defaultWorkerPoolSize = 4
const defaultQueueDepth = 256

// sink is the narrow capability either sink kind implements.
type sink interface {
	send(ctx context.Context, payload []byte) error
	name() string
}

// EventFabric implements C14: at-most-once fan-out of events to socket and
// webhook sinks through a bounded worker pool (default size 4) that drains
// a FIFO queue, dropping the oldest event on overflow (spec §5). The pool
// is golang.org/x/sync/errgroup-managed goroutines reading off a buffered
// channel used as the queue, in place of the teacher's simpler
// fire-and-forget goroutines — event fan-out has an explicit queue-depth
// bound the teacher's code never needed.
type EventFabric struct {
	sinks []sink
	queue chan Event
	bg    context.Context
}

func NewEventFabric(ctx context.Context, cfg *config.Store) *EventFabric {
	f := &EventFabric{
		queue: make(chan Event, defaultQueueDepth),
		bg:    ctx,
	}
	if !cfg.EnableEventBroadcasting {
		return f
	}
	for _, path := range cfg.EventSocketPaths {
		f.sinks = append(f.sinks, &socketSink{path: path})
	}
	if len(cfg.WebhookURLs) > 0 {
		client := &http.Client{Timeout: time.Duration(cfg.WebhookTimeoutSeconds) * time.Second}
		for _, url := range cfg.WebhookURLs {
			f.sinks = append(f.sinks, &webhookSink{
				url:        url,
				secret:     cfg.WebhookSecret,
				retryCount: cfg.WebhookRetryCount,
				client:     client,
			})
		}
	}
	if len(f.sinks) > 0 {
		f.startWorkers(defaultWorkerPoolSize)
	}
	return f
}

func (f *EventFabric) startWorkers(n int) {
	g, ctx := errgroup.WithContext(f.bg)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-f.queue:
					if !ok {
						return nil
					}
					f.dispatch(ctx, event)
				}
			}
		})
	}
}

func (f *EventFabric) dispatch(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.ErrorContext(ctx, "EventFabric.dispatch: marshal failed", "event", event.EventType, "error", err)
		return
	}
	for _, s := range f.sinks {
		if err := s.send(ctx, payload); err != nil {
			slog.WarnContext(ctx, "EventFabric.dispatch: sink failed", "event", event.EventType, "sink", s.name(), "error", err)
		}
	}
}

// Emit enqueues event for fan-out and returns immediately (spec §5). If the
// queue is full, the oldest queued event is dropped (logged) to make room,
// per spec §5's overflow policy.
func (f *EventFabric) Emit(ctx context.Context, t EventType, data map[string]any) {
	if len(f.sinks) == 0 {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["Timestamp"] = time.Now().UTC().Format(time.RFC3339)
	event := Event{EventType: t, Data: data}

	select {
	case f.queue <- event:
		return
	default:
	}

	select {
	case dropped := <-f.queue:
		slog.WarnContext(ctx, "EventFabric.Emit: queue full, dropping oldest event", "dropped", dropped.EventType)
	default:
	}
	select {
	case f.queue <- event:
	default:
		slog.WarnContext(ctx, "EventFabric.Emit: queue full, dropping new event", "event", t)
	}
}

// socketSink writes one JSON object per event followed by a newline to a
// Unix-domain-socket path, non-blocking with a short send deadline (spec
// §4.9), grounded in the teacher's net.DialTimeout("unix", ...) client
// idiom.
type socketSink struct {
	path string
}

func (s *socketSink) name() string { return "socket:" + s.path }

func (s *socketSink) send(ctx context.Context, payload []byte) error {
	conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(500 * time.Millisecond)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = conn.Write(append(payload, '\n'))
	return err
}

// webhookSink POSTs application/json with an optional HMAC signature
// header, retried with exponential backoff (spec §4.9).
type webhookSink struct {
	url        string
	secret     string
	retryCount int
	client     *http.Client
}

func (s *webhookSink) name() string { return "webhook:" + s.url }

func (s *webhookSink) send(ctx context.Context, payload []byte) error {
	attempt := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.secret != "" {
			mac := hmac.New(sha256.New, []byte(s.secret))
			mac.Write(payload)
			req.Header.Set("X-KGSM-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return struct{}{}, &retriableStatus{code: resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, backoff.Permanent(&retriableStatus{code: resp.StatusCode})
		}
		return struct{}{}, nil
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 250 * time.Millisecond
	backOff.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backOff),
		backoff.WithMaxTries(uint(s.retryCount+1)),
	)
	return err
}

type retriableStatus struct{ code int }

func (e *retriableStatus) Error() string {
	return "webhook returned retriable status"
}
