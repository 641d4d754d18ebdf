package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/oauth2"

	"github.com/transsflow/fieldsync/internal/api"
	"github.com/transsflow/fieldsync/internal/auth"
	"github.com/transsflow/fieldsync/internal/config"
	"github.com/transsflow/fieldsync/internal/connectivity"
	"github.com/transsflow/fieldsync/internal/intercept"
	"github.com/transsflow/fieldsync/internal/storage"
	"github.com/transsflow/fieldsync/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fieldsync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fieldsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, sync and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldsync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// daemon is every long-lived component of a running fieldsync.
type daemon struct {
	cfg        config.Config
	handler    http.Handler
	monitor    *connectivity.Monitor
	checker    *connectivity.Checker
	engine     *syncer.Engine
	dispatcher *syncer.Dispatcher
	worker     *intercept.Worker
	pushes     *api.NotificationLog
	mcp        *server.MCPServer
}

// buildDaemon wires the components around an open store. Nothing is
// started; see daemon.run.
func buildDaemon(cfg config.Config, store *storage.Store, apiToken string, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, pushes: api.NewNotificationLog(0)}

	creds := auth.NewProvider(tokenSource(cfg))
	sender := syncer.NewHTTPSender(cfg.Backend.BaseURL, creds, nil)

	// Optimistic until the checker or the host says otherwise.
	d.monitor = connectivity.New(true, logger.With("component", "connectivity"))
	if cfg.Connectivity.CheckURL != "" {
		d.checker = connectivity.NewChecker(d.monitor, cfg.Connectivity.CheckURL,
			cfg.Connectivity.CheckInterval, logger.With("component", "checker"))
	}

	d.engine = syncer.NewEngine(store, sender,
		syncer.WithRetryPolicy(syncer.RetryPolicy{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BaseBackoff: cfg.Sync.BaseBackoff,
			MaxBackoff:  cfg.Sync.MaxBackoff,
		}),
		syncer.WithAutoClear(cfg.Sync.AutoClear),
		syncer.WithOnline(d.monitor.Online),
		syncer.WithLogger(logger.With("component", "sync")),
	)
	d.monitor.OnOnline(func(connectivity.Event) { d.engine.Trigger() })
	d.dispatcher = syncer.NewDispatcher(store, sender, d.monitor, d.engine)

	deps := api.AppDeps{
		Dispatcher:    d.dispatcher,
		Outbox:        store,
		Engine:        d.engine,
		Monitor:       d.monitor,
		Local:         store,
		Notifications: d.pushes,
		Token:         apiToken,
	}

	top := chi.NewRouter()
	top.Use(api.RequestLogger(logger.With("component", "http")))

	if cfg.Cache.Enabled {
		proxy, err := d.buildCache(store, logger.With("component", "intercept"))
		if err != nil {
			d.engine.Close()
			return nil, err
		}
		deps.Cache = d.worker
		top.Handle("/*", proxy)
	}
	top.Mount(apiPrefix, api.NewAppHandler(deps))
	d.handler = top

	d.mcp = api.NewMCPServer(api.MCPDeps{
		Dispatcher: d.dispatcher,
		Engine:     d.engine,
		Pending:    store,
		Version:    version,
	})
	return d, nil
}

func (d *daemon) buildCache(store *storage.Store, logger *slog.Logger) (http.Handler, error) {
	origin, err := d.cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	manifest := intercept.DefaultManifest()
	if d.cfg.Cache.ManifestPath != "" {
		if manifest, err = intercept.LoadManifest(d.cfg.Cache.ManifestPath); err != nil {
			return nil, err
		}
	}
	offlinePage := d.cfg.Cache.OfflinePage
	if manifest.OfflinePage != "" {
		offlinePage = manifest.OfflinePage
	}

	d.worker, err = intercept.NewWorker(store, intercept.WorkerConfig{
		Origin:        origin,
		Manifest:      manifest,
		SkipWaiting:   d.cfg.Cache.SkipWaiting,
		Concurrency:   d.cfg.Cache.Concurrency,
		MaxEntryBytes: int64(d.cfg.Cache.MaxEntryBytes),
		OnSync:        d.engine.Trigger,
		OnPush: func(n intercept.Notification) {
			d.pushes.Add(n)
			logger.Info("push notification", "title", n.Title, "body", n.Body)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache worker: %w", err)
	}

	transport := intercept.NewTransport(d.worker, http.DefaultTransport, intercept.TransportOptions{
		Origin:        origin,
		APIPrefixes:   d.cfg.APIPrefixList(),
		OfflinePage:   offlinePage,
		MaxEntryBytes: int64(d.cfg.Cache.MaxEntryBytes),
		Logger:        logger,
	})
	return intercept.NewHandler(transport)
}

// tokenSource prefers a configured token and otherwise follows the file
// the auth collaborator maintains.
func tokenSource(cfg config.Config) oauth2.TokenSource {
	if cfg.Auth.AccessToken != "" {
		return auth.StaticToken(cfg.Auth.AccessToken)
	}
	path := cfg.Auth.TokenFile
	if path == "" {
		path = filepath.Join(cfg.Storage.DataDir, "access_token")
	}
	return auth.NewFileTokenSource(path, "")
}

// start launches the background tasks. They stop when ctx is cancelled.
func (d *daemon) start(ctx context.Context) {
	go d.engine.Run(ctx, d.cfg.Sync.Interval)
	if d.checker != nil {
		go d.checker.Run(ctx)
	}
	if d.worker != nil {
		go d.worker.Run(ctx)
		go func() {
			if err := d.worker.Install(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("cache install failed; will retry on next start or `fieldsync cache update`", "error", err)
			}
		}()
	}
	// Drain whatever a previous run left behind.
	d.engine.Trigger()
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "fieldsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	// Ensure API token exists in platform secret store.
	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		if apiToken, err = config.GetAPIToken(config.NewKeychain()); err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d%s/health", cfg.Server.Port, apiPrefix)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("fieldsync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("fieldsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	d, err := buildDaemon(cfg, store, apiToken, logger)
	if err != nil {
		return err
	}
	defer d.engine.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	d.start(ctx)

	if withMCP {
		stdioSrv := server.NewStdioServer(d.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "fieldsync listening on %s (backend %s)\n", addr, cfg.Backend.BaseURL)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("fieldsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fieldsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fieldsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Backend", "%s", cfg.Backend.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	if _, err := client.call(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			printStatus("Server", "error (HTTP %d)", apiErr.Status)
		} else {
			printStatus("Server", "stopped")
		}
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	return printSyncStatus(ctx, client)
}
