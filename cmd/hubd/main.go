// Command hubd is the hub daemon: it serves the UNIX-domain-socket
// protocol that agent and operator clients speak, per spec.md. Grounded
// on the teacher's cmd/bd/main.go (cobra root command, signal-aware
// context via signal.NotifyContext, --version handling) and
// cmd/bd/daemon_start.go (--foreground flag gating whether the process
// runs the server directly or forks a supervised child).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hubd/hubd/internal/config"
	"github.com/hubd/hubd/internal/eventbus"
	"github.com/hubd/hubd/internal/health"
	"github.com/hubd/hubd/internal/hub"
	"github.com/hubd/hubd/internal/llmclient"
	"github.com/hubd/hubd/internal/messagestore"
	"github.com/hubd/hubd/internal/session"
	"github.com/hubd/hubd/internal/sla"
	"github.com/hubd/hubd/internal/supervisor"
	"github.com/hubd/hubd/internal/taskstore"
	"github.com/hubd/hubd/internal/tokenstore"
	"github.com/hubd/hubd/internal/trust"
	"github.com/hubd/hubd/internal/verification"
)

var (
	version = "dev"

	hubDir     string
	foreground bool
)

var rootCmd = &cobra.Command{
	Use:   "hubd",
	Short: "hubd - multi-agent handoff and coordination hub daemon",
	Long:  `hubd serves the hub protocol over a UNIX domain socket: messaging, task handoffs, council review, and shared sessions between coding agents.`,
	RunE:  runDaemon,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&hubDir, "hub-dir", defaultHubDir(), "directory holding the daemon's socket, PID file, config, and stores")
	rootCmd.Flags().BoolVar(&foreground, "foreground", false, "run the daemon in this process instead of forking a supervised child")
	rootCmd.Flags().Bool("version", false, "print the version and exit")

	rootCmd.AddCommand(stopCmd, restartCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultHubDir() string {
	if v := os.Getenv("HUB_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hubd"
	}
	return filepath.Join(home, ".hubd")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		fmt.Printf("hubd version %s\n", version)
		return nil
	}

	if !foreground {
		return runSupervised()
	}
	return runForeground()
}

// runSupervised forks `hubd --foreground` as a detached child and
// restarts it on crash. Grounded on cmd/bd/daemon_start.go's background
// mode (parent exits, child runs with BD_DAEMON_FOREGROUND=1 set) —
// here the restart loop itself lives in internal/supervisor rather than
// relying on an external supervisord, since the teacher's daemon has no
// self-restart behavior to generalize.
func runSupervised() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("hubd: resolving executable path: %w", err)
	}
	if err := os.MkdirAll(hubDir, 0o700); err != nil {
		return fmt.Errorf("hubd: creating hub dir: %w", err)
	}

	pidPath := filepath.Join(hubDir, "daemon.pid")
	if pid := supervisor.ReadPIDFile(pidPath); pid != 0 && supervisor.IsProcessRunning(pid) {
		return fmt.Errorf("hubd: already running (pid %d)", pid)
	}

	sup := supervisor.New(supervisor.Config{
		Command: exe,
		Args:    []string{"--foreground", "--hub-dir", hubDir},
		PIDPath: pidPath,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Default().With("component", "hubd").Info("starting supervised daemon", "hub_dir", hubDir, "exe", exe)
	return sup.Run(ctx)
}

// runForeground builds every store and engine the hub needs and blocks
// serving connections until SIGINT/SIGTERM.
func runForeground() error {
	log := slog.Default().With("component", "hubd")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(hubDir, 0o700); err != nil {
		return fmt.Errorf("hubd: creating hub dir: %w", err)
	}

	cfg, err := config.Load(hubDir)
	if err != nil {
		return fmt.Errorf("hubd: loading config: %w", err)
	}

	messages, err := messagestore.Open(ctx, filepath.Join(hubDir, "messages.db"))
	if err != nil {
		return fmt.Errorf("hubd: opening message store: %w", err)
	}
	trustStore, err := trust.Open(ctx, filepath.Join(hubDir, "trust.db"))
	if err != nil {
		return fmt.Errorf("hubd: opening trust store: %w", err)
	}
	tasks, err := taskstore.Load(filepath.Join(hubDir, "tasks.json"))
	if err != nil {
		return fmt.Errorf("hubd: loading task board: %w", err)
	}
	tokensDir := filepath.Join(hubDir, "tokens")
	if err := os.MkdirAll(tokensDir, 0o700); err != nil {
		return fmt.Errorf("hubd: creating tokens dir: %w", err)
	}
	tokens := tokenstore.New(tokensDir)

	bus := eventbus.New(1024)

	watcher, err := config.NewWatcher(hubDir, bus)
	if err != nil {
		log.Warn("config watcher unavailable, continuing without live reload", "error", err)
	} else {
		done := make(chan struct{})
		go watcher.Run(done)
		defer close(done)
	}

	hubCfg := hub.Config{
		SocketPath:       cfg.SocketPath,
		PIDPath:          cfg.PIDPath,
		Messages:         messages,
		Tasks:            tasks,
		Trust:            trustStore,
		Tokens:           tokens,
		Health:           health.NewMonitor(cfg.HealthStaleAfter),
		SLA:              sla.New(cfg.SLAThresholds),
		Sessions:         session.NewManager(cfg.IdleTimeout),
		Bus:              bus,
		LLM:              newLLMClient(log),
		CouncilCachePath: filepath.Join(hubDir, "council-cache.json"),
	}

	server := hub.NewServer(hubCfg)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("hubd: starting server: %w", err)
	}
	log.Info("hub daemon listening", "socket", hubCfg.SocketPath, "hub_dir", hubDir, "instance", uuid.NewString())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	server.WaitForSignal(ctx, sigCh)
	log.Info("hub daemon stopped")
	return nil
}

// newLLMClient returns a verification.Completer backed by an Anthropic
// API key, or a nil interface when none is configured — in that case
// council requests are answered with an error and the review-time
// verification pass is skipped (see internal/hub). Returning the
// interface type directly (rather than a *llmclient.Client) matters
// here: a nil *llmclient.Client boxed into a non-nil interface would
// make hub's `s.llm == nil` gate always false.
func newLLMClient(log *slog.Logger) verification.Completer {
	client, err := llmclient.New("", "")
	if err != nil {
		log.Warn("no Anthropic API key configured; council review and LLM verification are disabled", "error", err)
		return nil
	}
	return client
}
