package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/onllm-dev/onstride/internal/agent"
	"github.com/onllm-dev/onstride/internal/api"
	"github.com/onllm-dev/onstride/internal/config"
	"github.com/onllm-dev/onstride/internal/engine"
	"github.com/onllm-dev/onstride/internal/insights"
	"github.com/onllm-dev/onstride/internal/memstore"
	"github.com/onllm-dev/onstride/internal/onboard"
	"github.com/onllm-dev/onstride/internal/pgstore"
	"github.com/onllm-dev/onstride/internal/secret"
	"github.com/onllm-dev/onstride/internal/store"
	"github.com/onllm-dev/onstride/internal/telemetry"
	"github.com/onllm-dev/onstride/internal/web"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/bcrypt"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// sealerInfo separates the bridge-token key from anything else derived from
// the admin password.
const sealerInfo = "bridge-token"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	pidDir  = defaultPIDDir()
	pidFile = filepath.Join(pidDir, "onstride.pid")
)

// hasFlag checks if a flag exists anywhere in os.Args[1:].
func hasFlag(flag string) bool {
	for _, arg := range os.Args[1:] {
		if arg == flag {
			return true
		}
	}
	return false
}

// hasCommand checks if any of the given commands/flags exist in os.Args[1:].
func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

// parsePIDFile reads "PID:PORT" (or a bare "PID").
func parsePIDFile(content string) (pid, port int) {
	content = strings.TrimSpace(content)
	if before, after, ok := strings.Cut(content, ":"); ok {
		pid, _ = strconv.Atoi(before)
		port, _ = strconv.Atoi(after)
		return pid, port
	}
	pid, _ = strconv.Atoi(content)
	return pid, 0
}

// signalOnPort sends SIGTERM to every onstride process listening on port
// except this one. It reports whether any process was signalled.
func signalOnPort(port int, label string) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()

	stopped := false
	for _, pid := range findOnstrideOnPort(port) {
		if pid == os.Getpid() {
			continue
		}
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.SIGTERM); err == nil {
				fmt.Printf("Stopped %s (PID %d) on port %d\n", label, pid, port)
				stopped = true
			}
		}
	}
	return stopped
}

// stopPreviousInstance stops any running onstride instance using PID file + port check.
// In test mode, only the PID file is used so a test run never kills production.
func stopPreviousInstance(port int, testMode bool) {
	stopped := false

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, filePort := parsePIDFile(string(data))
		if pid > 0 && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					fmt.Printf("Stopped previous instance (PID %d) via PID file\n", pid)
					stopped = true
				}
			}
		}
		os.Remove(pidFile)

		if !stopped && filePort > 0 {
			stopped = signalOnPort(filePort, "previous instance")
		}
	}

	if !testMode && !stopped && port > 0 {
		stopped = signalOnPort(port, "previous instance")
	}

	if stopped {
		time.Sleep(500 * time.Millisecond)
	}
}

// findOnstrideOnPort uses lsof (macOS/Linux) to find onstride processes on a port.
func findOnstrideOnPort(port int) []int {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return nil
	}

	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 && isOnstrideProcess(pid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func isOnstrideProcess(pid int) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(strings.TrimSpace(string(out))), "onstride")
}

func writePIDFile(port int) error {
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d:%d", os.Getpid(), port)), 0644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

// daemonize re-executes the current binary as a detached background process.
// The parent writes the child's PID to the PID file and exits.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	logWriter, err := cfg.LogWriter()
	if err != nil {
		return fmt.Errorf("failed to open log file for daemon: %w", err)
	}
	logFile, ok := logWriter.(*os.File)
	if !ok {
		return errors.New("daemon log destination is not a file")
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "_ONSTRIDE_DAEMON=1")
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create PID directory: %v\n", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d:%d", childPID, cfg.Port)), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}
	logFile.Close()

	fmt.Printf("Daemon started (PID %d), logs: %s\n", childPID, logFile.Name())
	return nil
}

func run() error {
	testMode := hasFlag("--test")
	if testMode {
		pidFile = filepath.Join(pidDir, "onstride-test.pid")
	}

	if hasCommand("stop", "--stop") {
		return runStop(testMode)
	}
	if hasCommand("status", "--status") {
		return runStatus(testMode)
	}
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("onStride v%s\n", version)
		fmt.Println("github.com/onllm-dev/onstride")
		return nil
	}
	if hasCommand("--help", "-h") {
		printHelp()
		return nil
	}

	// Small soft limit: the daemon holds at most a few weeks of days.
	debug.SetMemoryLimit(40 * 1024 * 1024)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	isDaemonChild := os.Getenv("_ONSTRIDE_DAEMON") == "1"
	if !isDaemonChild {
		stopPreviousInstance(cfg.Port, testMode)
	}

	// Containers always run in the foreground.
	if !cfg.DebugMode && !isDaemonChild && !cfg.IsDockerEnvironment() {
		printBanner(cfg, version)
		return daemonize(cfg)
	}

	if cfg.DebugMode {
		if err := writePIDFile(cfg.Port); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
	}
	defer removePIDFile()

	logWriter, err := cfg.LogWriter()
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() {
		if closer, ok := logWriter.(interface{ Close() error }); ok && logWriter != os.Stdout {
			closer.Close()
		}
	}()

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if cfg.DebugMode {
		printBanner(cfg, version)
	}
	logger.Debug("Configuration loaded", "config", cfg.String())

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
			logger.Warn("Failed to create database directory", "error", err)
		}
	}

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("Database opened", "path", cfg.DBPath)

	if _, err := db.RunMetricsCleanupIfNeeded(logger); err != nil {
		logger.Warn("Metrics cleanup failed", "error", err)
	}

	if err := ensureAdmin(db, cfg.AdminUser, cfg.AdminPass); err != nil {
		return fmt.Errorf("failed to store admin credentials: %w", err)
	}

	var sealer *secret.Sealer
	if s, err := secret.NewSealer(cfg.AdminPass, sealerInfo); err != nil {
		logger.Warn("Secret sealing unavailable; bridge settings cannot be saved", "error", err)
	} else {
		sealer = s
	}

	if err := resolveBridge(cfg, db, sealer, logger); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "onstride", version)
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	be, err := openBackend(cfg, db, logger)
	if err != nil {
		return err
	}
	defer be.close()

	client := api.NewClient(cfg.BridgeToken, logger, api.WithBaseURL(cfg.BridgeURL))
	logger.Info("Health bridge configured", "url", cfg.BridgeURL)

	goals := loadGoals(db, cfg, logger)
	eng := engine.New(client, be.cache,
		engine.WithLogger(logger),
		engine.WithGoals(goals),
		engine.WithRetentionDays(cfg.RetentionDays),
		engine.WithConcurrency(cfg.FetchConcurrency),
		engine.WithRunRecorder(be.runs),
		engine.WithTracer(otel.Tracer("github.com/onllm-dev/onstride/internal/engine")),
	)
	defer eng.Close()

	flow := onboard.NewFlow(client, db, cfg.SettleDelay, logger)
	ag := agent.New(eng, be.cache, cfg.RefreshInterval, cfg.RetentionDays, logger,
		agent.WithRunPruner(be.runs),
	)

	handlerOpts := []web.HandlerOption{
		web.WithHistory(be.cache),
		web.WithRunLister(be.runs),
		web.WithOnboarding(flow),
		web.WithRetentionDays(cfg.RetentionDays),
	}
	if sealer != nil {
		handlerOpts = append(handlerOpts, web.WithSealer(sealer))
	}
	handler := web.NewHandler(eng, db, logger, handlerOpts...)
	server := web.NewServer(cfg.Host, cfg.Port, handler, db, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	agentErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Agent panicked", "panic", r)
				agentErr <- fmt.Errorf("agent panic: %v", r)
			}
		}()
		if err := ag.Run(ctx); err != nil {
			agentErr <- fmt.Errorf("agent error: %w", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down gracefully", "signal", sig)
	case err := <-agentErr:
		logger.Error("Agent failed", "error", err)
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
	}

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	eng.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("Tracer shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// runLog is a store for reconciliation summaries.
type runLog interface {
	engine.RunRecorder
	web.RunLister
	agent.RunPruner
}

// backend is the selected metrics cache and run log.
type backend struct {
	cache engine.Cache
	runs  runLog
	close func()
}

// openBackend selects the day cache. Settings, users and the food log always
// live in SQLite; runs follow the cache when it is durable.
func openBackend(cfg *config.Config, db *store.Store, logger *slog.Logger) (*backend, error) {
	switch cfg.Cache {
	case config.CachePostgres:
		pg, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres cache: %w", err)
		}
		logger.Info("Using PostgreSQL cache")
		return &backend{cache: pg, runs: pg, close: func() { pg.Close() }}, nil
	case config.CacheMemory:
		logger.Info("Using in-memory cache; cached days are lost on restart")
		return &backend{cache: memstore.New(), runs: db, close: func() {}}, nil
	default:
		return &backend{cache: db, runs: db, close: func() {}}, nil
	}
}

// ensureAdmin stores a bcrypt hash of pass unless the stored hash already matches.
func ensureAdmin(db *store.Store, user, pass string) error {
	if hash, err := db.GetUser(user); err == nil && hash != "" {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
			return nil
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return db.UpsertUser(user, string(hash))
}

// resolveBridge fills the bridge URL and token from saved settings when the
// environment does not provide them.
func resolveBridge(cfg *config.Config, db *store.Store, sealer *secret.Sealer, logger *slog.Logger) error {
	if cfg.BridgeURL == "" {
		if v, err := db.GetSetting(web.SettingBridgeURL); err == nil {
			cfg.BridgeURL = v
		}
	}
	if cfg.BridgeToken == "" {
		v, err := db.GetSetting(web.SettingBridgeToken)
		if err == nil && v != "" {
			switch {
			case !secret.IsSealed(v):
				cfg.BridgeToken = v
			case sealer == nil:
				logger.Warn("Saved bridge token is sealed but no key is available")
			default:
				plain, err := sealer.Open(v, web.SettingBridgeToken)
				if err != nil {
					logger.Warn("Failed to open saved bridge token", "error", err)
				} else {
					cfg.BridgeToken = plain
				}
			}
		}
	}
	if cfg.BridgeURL == "" {
		return errors.New("no health bridge configured: set ONSTRIDE_BRIDGE_URL")
	}
	return nil
}

// loadGoals prefers goals saved through the API over configured ones.
func loadGoals(db *store.Store, cfg *config.Config, logger *slog.Logger) insights.Goals {
	g := insights.Goals{StepGoal: cfg.StepGoal, EnergyGoal: cfg.EnergyGoal}
	read := func(key string, dst *float64) {
		v, err := db.GetSetting(key)
		if err != nil || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			logger.Warn("Ignoring invalid saved goal", "key", key, "value", v)
			return
		}
		*dst = f
	}
	read(web.SettingStepGoal, &g.StepGoal)
	read(web.SettingEnergyGoal, &g.EnergyGoal)
	return g
}

// runStop stops any running onstride instance.
// In test mode, only the test PID file is used.
func runStop(testMode bool) error {
	label := "onstride"
	if testMode {
		label = "onstride (test)"
	}
	stopped := false

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, port := parsePIDFile(string(data))
		if pid > 0 && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					if port > 0 {
						fmt.Printf("Stopped %s (PID %d) on port %d\n", label, pid, port)
					} else {
						fmt.Printf("Stopped %s (PID %d)\n", label, pid)
					}
					stopped = true
				} else {
					fmt.Printf("Process %d not running (stale PID file)\n", pid)
				}
			}
		}
		os.Remove(pidFile)

		if !testMode && !stopped && port > 0 {
			stopped = signalOnPort(port, label)
		}
	}

	if !testMode && !stopped {
		stopped = signalOnPort(9311, label)
	}

	if !stopped {
		fmt.Printf("No running %s instance found\n", label)
	}
	return nil
}

// runStatus reports the status of any running onstride instance.
func runStatus(testMode bool) error {
	label := "onstride"
	logName := ".onstride.log"
	if testMode {
		label = "onstride (test)"
		logName = ".onstride-test.log"
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Printf("%s is not running\n", label)
		return nil
	}
	pid, port := parsePIDFile(string(data))
	if pid <= 0 || pid == os.Getpid() {
		fmt.Printf("%s is not running\n", label)
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		fmt.Printf("%s is not running (stale PID file for PID %d)\n", label, pid)
		return nil
	}

	fmt.Printf("%s is running (PID %d)\n", label, pid)
	if port > 0 {
		fmt.Printf("  API:       http://localhost:%d\n", port)
	}
	fmt.Printf("  PID file:  %s\n", pidFile)

	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".onstride", "data")
	if info, err := os.Stat(filepath.Join(dataDir, logName)); err == nil {
		fmt.Printf("  Log file:  %s (%s)\n", filepath.Join(dataDir, logName), humanize.Bytes(uint64(info.Size())))
	}
	if info, err := os.Stat(filepath.Join(dataDir, "onstride.db")); err == nil {
		fmt.Printf("  Database:  %s (%s)\n", filepath.Join(dataDir, "onstride.db"), humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

func printBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Printf("║  onStride v%-25s ║\n", version)
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Refresh:   every %-18s ║\n", cfg.RefreshInterval)
	fmt.Printf("║  API:       http://localhost:%-7d ║\n", cfg.Port)
	fmt.Printf("║  Cache:     %-24s ║\n", cfg.Cache)
	fmt.Printf("║  Auth:      %-24s ║\n", cfg.AdminUser+" / ****")
	if cfg.TestMode {
		fmt.Println("║  Mode:      TEST (isolated)          ║")
	}
	fmt.Println("╚══════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Database: %s\n", cfg.DBPath)
	if cfg.BridgeURL != "" {
		fmt.Printf("Bridge:   %s\n", cfg.BridgeURL)
	}
	fmt.Println()
}

func printHelp() {
	fmt.Println("onStride - Personal Health Metrics Sync Daemon")
	fmt.Println()
	fmt.Println("Usage: onstride [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  stop, --stop       Stop the running onstride instance")
	fmt.Println("  status, --status   Show status of the running instance")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  version, --version Print version and exit")
	fmt.Println("  --help             Print this help message")
	fmt.Println("  --interval SEC     Background refresh interval in seconds (default: 900)")
	fmt.Println("  --port PORT        API HTTP port (default: 9311)")
	fmt.Println("  --db PATH          SQLite database file path (default: ~/.onstride/data/onstride.db)")
	fmt.Println("  --debug            Run in foreground mode, log to stdout")
	fmt.Println("  --test             Test mode: isolated PID/log files, won't affect production")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  ONSTRIDE_BRIDGE_URL         Health bridge base URL (required unless saved)")
	fmt.Println("  ONSTRIDE_BRIDGE_TOKEN       Health bridge bearer token")
	fmt.Println("  ONSTRIDE_REFRESH_INTERVAL   Background refresh interval in seconds")
	fmt.Println("  ONSTRIDE_RETENTION_DAYS     Days of history kept in the cache (default: 30)")
	fmt.Println("  ONSTRIDE_FETCH_CONCURRENCY  Parallel day fetches (default: 7)")
	fmt.Println("  ONSTRIDE_STEP_GOAL          Daily step goal (default: 10000)")
	fmt.Println("  ONSTRIDE_ENERGY_GOAL        Daily active energy goal in kcal (default: 500)")
	fmt.Println("  ONSTRIDE_CACHE              sqlite, postgres or memory")
	fmt.Println("  ONSTRIDE_DATABASE_URL       PostgreSQL DSN for the postgres cache")
	fmt.Println("  ONSTRIDE_PORT               API HTTP port")
	fmt.Println("  ONSTRIDE_ADMIN_USER         API admin username")
	fmt.Println("  ONSTRIDE_ADMIN_PASS         API admin password")
	fmt.Println("  ONSTRIDE_DB_PATH            SQLite database file path")
	fmt.Println("  ONSTRIDE_LOG_LEVEL          Log level: debug, info, warn, error")
	fmt.Println("  ONSTRIDE_OTLP_ENDPOINT      OTLP/HTTP trace endpoint (tracing off when unset)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  onstride                           # Run in background mode")
	fmt.Println("  onstride --debug                   # Run in foreground mode")
	fmt.Println("  onstride --interval 300 --port 8080")
	fmt.Println("  onstride stop                      # Stop running instance")
	fmt.Println("  onstride status                    # Check if running")
	fmt.Println("  onstride --test --debug            # Run test instance (isolated)")
}
