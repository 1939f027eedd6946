// Package config implements the Config Store (spec C1): typed, validated
// process-wide settings with compiled-in defaults merged under a user file
// and environment overrides for secrets. It generalizes the teacher's
// kong.Configuration(kong.JSON, ".sand.json", "~/.sand.json") pattern
// (defaults < file < flags) into an explicit value passed through operation
// contexts rather than read ambiently from the environment (spec §9).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
	"gopkg.in/ini.v1"
)

const component = "config"

// Store holds every key enumerated in spec §6.
type Store struct {
	DefaultInstallDirectory           string
	EnableLogging                     bool
	LogMaxSizeKB                      int
	EnableSystemd                     bool
	EnableFirewallManagement          bool
	EnablePortForwarding              bool
	EnableEventBroadcasting           bool
	EventSocketPaths                  []string
	WebhookURLs                       []string
	WebhookSecret                     string
	WebhookTimeoutSeconds             int
	WebhookRetryCount                 int
	EnableCommandShortcuts            bool
	InstanceSuffixLength              int
	EnableBackupCompression           bool
	InstanceSaveCommandTimeoutSeconds int
	InstanceStopCommandTimeoutSeconds int
	WatcherTimeoutSeconds             int
	InstanceAutoUpdateBeforeStart     bool
	UpdateChannel                     string
	AutoUpdateCheck                   bool

	// SteamUsername/SteamPassword are read from environment only, never
	// persisted to the config file. The built-in Steam download does not
	// pass them to steamcmd: it always logs in anonymously, including for
	// is_steam_account_required blueprints.
	SteamUsername string
	SteamPassword string
}

// Defaults returns the compiled-in baseline, mirroring the constants
// scattered through the spec tables (§6) in one place.
func Defaults() *Store {
	return &Store{
		DefaultInstallDirectory:           "/opt/kgsm/instances",
		EnableLogging:                     true,
		LogMaxSizeKB:                      5 * 1024,
		EnableSystemd:                     false,
		EnableFirewallManagement:          false,
		EnablePortForwarding:              false,
		EnableEventBroadcasting:           false,
		EventSocketPaths:                  nil,
		WebhookURLs:                       nil,
		WebhookSecret:                     "",
		WebhookTimeoutSeconds:             10,
		WebhookRetryCount:                 3,
		EnableCommandShortcuts:            false,
		InstanceSuffixLength:              3,
		EnableBackupCompression:           false,
		InstanceSaveCommandTimeoutSeconds: 30,
		InstanceStopCommandTimeoutSeconds: 30,
		WatcherTimeoutSeconds:             60,
		InstanceAutoUpdateBeforeStart:     false,
		UpdateChannel:                     "stable",
		AutoUpdateCheck:                   false,
	}
}

// Load merges compiled-in defaults with a user file at path (if present)
// and environment variables for secrets. Unknown keys in the file are
// rejected with Invalid, matching spec §3's "unknown keys rejected".
func Load(path string) (*Store, error) {
	s := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			f, err := ini.Load(path)
			if err != nil {
				return nil, kgsmerr.Wrap(kgsmerr.Invalid, component, "parsing config file "+path, err)
			}
			if err := s.mergeFile(f); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, kgsmerr.Wrap(kgsmerr.IO, component, "stat config file "+path, err)
		}
	}

	s.SteamUsername = os.Getenv("KGSM_STEAM_USERNAME")
	s.SteamPassword = os.Getenv("KGSM_STEAM_PASSWORD")

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

var knownKeys = map[string]bool{
	"default_install_directory":            true,
	"enable_logging":                       true,
	"log_max_size_kb":                      true,
	"enable_systemd":                       true,
	"enable_firewall_management":           true,
	"enable_port_forwarding":               true,
	"enable_event_broadcasting":            true,
	"event_socket_paths":                   true,
	"webhook_urls":                         true,
	"webhook_secret":                       true,
	"webhook_timeout_seconds":              true,
	"webhook_retry_count":                  true,
	"enable_command_shortcuts":             true,
	"instance_suffix_length":               true,
	"enable_backup_compression":            true,
	"instance_save_command_timeout_seconds": true,
	"instance_stop_command_timeout_seconds": true,
	"watcher_timeout_seconds":              true,
	"instance_auto_update_before_start":    true,
	"update_channel":                       true,
	"auto_update_check":                    true,
}

func (s *Store) mergeFile(f *ini.File) error {
	sec := f.Section("")
	for _, key := range sec.Keys() {
		name := key.Name()
		if !knownKeys[name] {
			return kgsmerr.New(kgsmerr.Invalid, component, "unknown config key "+name)
		}
	}

	getBool := func(name string, dst *bool) error {
		if !sec.HasKey(name) {
			return nil
		}
		v, err := sec.Key(name).Bool()
		if err != nil {
			return kgsmerr.Wrap(kgsmerr.Invalid, component, "key "+name+" is not a bool", err)
		}
		*dst = v
		return nil
	}
	getInt := func(name string, dst *int, min, max int) error {
		if !sec.HasKey(name) {
			return nil
		}
		v, err := sec.Key(name).Int()
		if err != nil {
			return kgsmerr.Wrap(kgsmerr.Invalid, component, "key "+name+" is not an int", err)
		}
		if v < min || v > max {
			return kgsmerr.New(kgsmerr.Invalid, component, fmt.Sprintf("key %s=%d out of range [%d,%d]", name, v, min, max))
		}
		*dst = v
		return nil
	}
	getStr := func(name string, dst *string) {
		if sec.HasKey(name) {
			*dst = sec.Key(name).String()
		}
	}
	getList := func(name string, dst *[]string) {
		if !sec.HasKey(name) {
			return
		}
		raw := sec.Key(name).String()
		if raw == "" {
			*dst = nil
			return
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}

	getStr("default_install_directory", &s.DefaultInstallDirectory)
	if err := getBool("enable_logging", &s.EnableLogging); err != nil {
		return err
	}
	if err := getInt("log_max_size_kb", &s.LogMaxSizeKB, 1, 1<<30); err != nil {
		return err
	}
	if err := getBool("enable_systemd", &s.EnableSystemd); err != nil {
		return err
	}
	if err := getBool("enable_firewall_management", &s.EnableFirewallManagement); err != nil {
		return err
	}
	if err := getBool("enable_port_forwarding", &s.EnablePortForwarding); err != nil {
		return err
	}
	if err := getBool("enable_event_broadcasting", &s.EnableEventBroadcasting); err != nil {
		return err
	}
	getList("event_socket_paths", &s.EventSocketPaths)
	getList("webhook_urls", &s.WebhookURLs)
	getStr("webhook_secret", &s.WebhookSecret)
	if err := getInt("webhook_timeout_seconds", &s.WebhookTimeoutSeconds, 1, 300); err != nil {
		return err
	}
	if err := getInt("webhook_retry_count", &s.WebhookRetryCount, 0, 5); err != nil {
		return err
	}
	if err := getBool("enable_command_shortcuts", &s.EnableCommandShortcuts); err != nil {
		return err
	}
	if err := getInt("instance_suffix_length", &s.InstanceSuffixLength, 1, 10); err != nil {
		return err
	}
	if err := getBool("enable_backup_compression", &s.EnableBackupCompression); err != nil {
		return err
	}
	if err := getInt("instance_save_command_timeout_seconds", &s.InstanceSaveCommandTimeoutSeconds, 1, 1<<30); err != nil {
		return err
	}
	if err := getInt("instance_stop_command_timeout_seconds", &s.InstanceStopCommandTimeoutSeconds, 1, 1<<30); err != nil {
		return err
	}
	if err := getInt("watcher_timeout_seconds", &s.WatcherTimeoutSeconds, 1, 1<<30); err != nil {
		return err
	}
	if err := getBool("instance_auto_update_before_start", &s.InstanceAutoUpdateBeforeStart); err != nil {
		return err
	}
	getStr("update_channel", &s.UpdateChannel)
	if err := getBool("auto_update_check", &s.AutoUpdateCheck); err != nil {
		return err
	}
	return nil
}

// Validate re-checks invariants that apply regardless of where values came
// from (defaults, file, or future programmatic mutation in tests).
func (s *Store) Validate() error {
	if s.InstanceSuffixLength < 1 || s.InstanceSuffixLength > 10 {
		return kgsmerr.New(kgsmerr.Invalid, component, "instance_suffix_length must be in [1,10]")
	}
	if s.WebhookRetryCount < 0 || s.WebhookRetryCount > 5 {
		return kgsmerr.New(kgsmerr.Invalid, component, "webhook_retry_count must be in [0,5]")
	}
	if s.WebhookTimeoutSeconds < 1 || s.WebhookTimeoutSeconds > 300 {
		return kgsmerr.New(kgsmerr.Invalid, component, "webhook_timeout_seconds must be in [1,300]")
	}
	for _, u := range s.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return kgsmerr.New(kgsmerr.Invalid, component, "webhook url must be http(s): "+u)
		}
	}
	return nil
}

// ParsePositiveInt is a small shared helper for CLI flags that accept the
// same "positive int with range" shape as the config file values.
func ParsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected a positive integer, got %q", s)
	}
	return n, nil
}
