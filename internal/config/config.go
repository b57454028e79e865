// Package config loads the daemon's layered configuration: defaults,
// then config.yaml, then HUB_-prefixed environment variables, in the
// teacher's own precedence order (`cmd/bd/config.go`'s per-command
// `viper.New()` + `SetConfigFile`/`ReadInConfig` pattern, generalized
// to one process-wide config loaded once at startup) and persisted the
// way `internal/config/local_config.go` round-trips config.yaml with
// `gopkg.in/yaml.v3`.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hubd/hubd/internal/health"
	"github.com/hubd/hubd/internal/model"
	"github.com/hubd/hubd/internal/sla"
)

// SchemaVersion is written into every config.yaml this package produces.
// Load reads the file's schemaVersion into HubConfig as-is; it neither
// checks nor logs the value.
const SchemaVersion = 1

// HubConfig is the daemon's full runtime configuration. yaml tags match
// the on-disk key names. Load applies env overrides for three fields only:
// HUB_SOCKET_PATH, HUB_PID_PATH and HUB_IDLE_TIMEOUT; the other fields
// have no env override.
type HubConfig struct {
	SchemaVersion int    `yaml:"schemaVersion"`
	HubDir        string `yaml:"hubDir"`
	SocketPath    string `yaml:"socketPath"`
	PIDPath       string `yaml:"pidPath"`

	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	SimpleTimeout  time.Duration `yaml:"simpleTimeout"`
	CouncilTimeout time.Duration `yaml:"councilTimeout"`

	HealthStaleAfter time.Duration    `yaml:"healthStaleAfter"`
	SLAThresholds    sla.Thresholds   `yaml:"slaThresholds"`
}

// Default returns the configuration the daemon uses when no config.yaml
// is present: everything rooted under hubDir, spec.md's stated defaults
// for every timeout and threshold.
func Default(hubDir string) HubConfig {
	return HubConfig{
		SchemaVersion:    SchemaVersion,
		HubDir:           hubDir,
		SocketPath:       filepath.Join(hubDir, "hub.sock"),
		PIDPath:          filepath.Join(hubDir, "daemon.pid"),
		IdleTimeout:      30 * time.Minute,
		SimpleTimeout:    2 * time.Second,
		CouncilTimeout:   10 * time.Minute,
		HealthStaleAfter: health.DefaultStaleness,
		SLAThresholds:    sla.DefaultThresholds(),
	}
}

// Load reads <hubDir>/config.yaml over the defaults, then applies
// HUB_-prefixed environment variable overrides via viper, mirroring the
// teacher's per-file `viper.New()` + `SetConfigFile` + `ReadInConfig`
// idiom rather than reaching for viper's global singleton. A missing
// config.yaml is not an error — Default(hubDir) is returned as-is.
func Load(hubDir string) (HubConfig, error) {
	cfg := Default(hubDir)
	path := filepath.Join(hubDir, "config.yaml")

	if data, err := os.ReadFile(path); err == nil { // #nosec G304 - operator-controlled hub dir
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	v := viper.New()
	v.SetEnvPrefix("HUB")
	v.AutomaticEnv()
	for _, key := range []string{"socket_path", "pid_path", "idle_timeout"} {
		if val := v.GetString(key); val != "" {
			applyEnvOverride(&cfg, key, val)
		}
	}

	return cfg, nil
}

func applyEnvOverride(cfg *HubConfig, key, val string) {
	switch key {
	case "socket_path":
		cfg.SocketPath = val
	case "pid_path":
		cfg.PIDPath = val
	case "idle_timeout":
		if d, err := time.ParseDuration(val); err == nil {
			cfg.IdleTimeout = d
		}
	}
}

// Save writes cfg to <hubDir>/config.yaml with mode 0600.
func Save(hubDir string, cfg HubConfig) error {
	if err := os.MkdirAll(hubDir, 0o700); err != nil {
		return fmt.Errorf("config: creating %s: %w", hubDir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	path := filepath.Join(hubDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Watcher watches config.yaml for changes via fsnotify and re-loads it,
// emitting CONFIG_RELOADED with the new values on the bus. Grounded on
// the teacher's direct `fsnotify` dependency (used there to detect
// branch/workspace file changes rather than config, but the same
// watch-a-path-and-react idiom).
type Watcher struct {
	hubDir string
	bus    busEmitter
	fsw    *fsnotify.Watcher
}

type busEmitter interface {
	Emit(eventType string, fields map[string]interface{}) model.EventRecord
}

// NewWatcher creates a Watcher over <hubDir>/config.yaml. Call Run in a
// goroutine; it returns when done is closed or the watcher errors
// unrecoverably.
func NewWatcher(hubDir string, bus busEmitter) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := fsw.Add(hubDir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", hubDir, err)
	}
	return &Watcher{hubDir: hubDir, bus: bus, fsw: fsw}, nil
}

// Run processes fsnotify events until done is closed, reloading
// config.yaml and emitting CONFIG_RELOADED on every write/create touching it.
func (w *Watcher) Run(done <-chan struct{}) {
	defer w.fsw.Close()
	configPath := filepath.Join(w.hubDir, "config.yaml")
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != configPath || (ev.Op&(fsnotify.Write|fsnotify.Create) == 0) {
				continue
			}
			cfg, err := Load(w.hubDir)
			if err != nil {
				w.bus.Emit("CONFIG_RELOAD_FAILED", map[string]interface{}{"error": err.Error()})
				continue
			}
			w.bus.Emit("CONFIG_RELOADED", map[string]interface{}{
				"healthStaleAfter": cfg.HealthStaleAfter.String(),
				"idleTimeout":      cfg.IdleTimeout.String(),
				"slaThresholds":    cfg.SLAThresholds,
			})
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}
