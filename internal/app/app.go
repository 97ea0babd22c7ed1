// Package app assembles the proxy: configuration, upstream connections,
// aggregation, inbound serving, and lifecycle. There are no package-level
// singletons; an App value owns every subsystem and tests construct their
// own.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"onemcp/internal/aggregator"
	"onemcp/internal/config"
	"onemcp/internal/executor"
	"onemcp/internal/instance"
	"onemcp/internal/meta"
	"onemcp/internal/orchestrator"
	"onemcp/internal/pidfile"
	"onemcp/internal/server"
	"onemcp/internal/store"
	"onemcp/internal/template"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// Options configure an App beyond the settings files.
type Options struct {
	ConfigPath string
	ConfigDir  string
	Transport  string
	Host       string
	Port       int

	// Stdio inbound session parameters.
	Filter  string
	Context *template.ContextData

	Version string
}

// App owns every subsystem of a running proxy.
type App struct {
	opts      Options
	agentCfg  *config.AgentConfig
	configDir string

	list        *config.ServerList
	manager     *upstream.Manager
	resolver    *upstream.Resolver
	pool        *instance.Pool
	agg         *aggregator.Aggregator
	schemaCache *aggregator.SchemaCache
	orch        *orchestrator.Orchestrator
	sessions    *server.SessionManager
	srv         *server.Server
	cfgManager  *config.Manager
	watcher     *config.Watcher
	store       *store.Store
	exec        *executor.Executor

	runtimeErr chan error
}

// New bootstraps an App: load config, construct subsystems, wire them.
// Nothing is started yet.
func New(opts Options) (*App, error) {
	path, err := config.ResolveConfigPath(opts.ConfigPath, opts.ConfigDir)
	if err != nil {
		return nil, err
	}
	configDir := filepath.Dir(path)

	list, err := config.LoadServerList(path)
	if err != nil {
		return nil, err
	}

	agentCfg, err := config.LoadAgentConfig(configDir)
	if err != nil {
		return nil, err
	}
	settings := agentCfg.Get()
	if opts.Host != "" {
		settings.Host = opts.Host
	}
	if opts.Port != 0 {
		settings.Port = opts.Port
	}
	if opts.Transport != "" {
		settings.Transport = opts.Transport
	}
	agentCfg.Update(settings)

	app := &App{
		opts:       opts,
		agentCfg:   agentCfg,
		configDir:  configDir,
		list:       list,
		runtimeErr: make(chan error, 1),
	}

	app.manager = upstream.NewManager()
	app.resolver = upstream.NewResolver(app.manager)
	app.agg = aggregator.New(app.resolver)

	app.schemaCache, err = aggregator.NewSchemaCache(settings.SchemaCacheEntries, settings.SchemaCacheTTL.Duration())
	if err != nil {
		return nil, err
	}

	engine := template.NewEngine(opts.Version)
	app.pool = instance.NewPool(app.manager, app.resolver, engine,
		settings.InstanceIdleTimeout.Duration(), settings.MaxInstances)

	app.exec = executor.New(8)

	// Sessions persist only for the HTTP transport.
	if settings.Transport != config.MCPTransportStdio {
		app.store, err = store.New(filepath.Join(configDir, "sessions"))
		if err != nil {
			return nil, err
		}
	}
	app.sessions = server.NewSessionManager(app.store, agentCfg.SessionTTLOrDefault())

	app.srv = server.New(server.Config{
		Host:         settings.Host,
		Port:         settings.Port,
		Transport:    settings.Transport,
		StdioFilter:  opts.Filter,
		StdioContext: opts.Context,
		Version:      opts.Version,
	}, app.sessions, app.resolver, app.agg, app.schemaCache, app.reportRuntimeError)
	app.srv.SetInstancePool(app.pool, app.manager)
	app.sessions.SetOnDelete(func(id string) {
		app.resolver.DropSession(id)
		app.pool.ReleaseSession(id)
	})

	minServers := settings.WaitForMinimumServers
	if !settings.AsyncLoading {
		minServers = enabledCount(list)
	}
	app.orch = orchestrator.New(orchestrator.Config{
		WaitForMinimumServers: minServers,
		InitialLoadTimeout:    settings.InitialLoadTimeout.Duration(),
		BatchNotifications:    settings.BatchNotifications,
		BatchDelay:            settings.BatchDelay.Duration(),
	}, app.manager.Events(), app.srv)

	app.cfgManager = config.NewManager(list, app.manager)
	app.cfgManager.OnApplied(app.onConfigApplied)

	app.watcher, err = config.NewWatcher(app.cfgManager, settings.ReloadDebounce.Duration())
	if err != nil {
		return nil, err
	}

	return app, nil
}

func enabledCount(list *config.ServerList) int {
	count := 0
	for _, cfg := range list.Servers {
		if !cfg.Disabled && !cfg.IsTemplated() {
			count++
		}
	}
	return count
}

func (a *App) reportRuntimeError(err error) {
	select {
	case a.runtimeErr <- err:
	default:
	}
}

// onConfigApplied reacts to a finished reload batch: invalidate schema
// entries of restarted children and fan a single capability change out to
// sessions.
func (a *App) onConfigApplied(changes []config.Change) {
	for _, change := range changes {
		if change.Kind == config.ChangeModified && change.MetadataOnly() {
			continue
		}
		a.schemaCache.Invalidate(change.Name)
	}
	a.srv.CapabilitiesChanged(changeNames(changes), orchestrator.KindSet{Tools: true, Resources: true, Prompts: true})
}

func changeNames(changes []config.Change) []string {
	names := make([]string, 0, len(changes))
	for _, change := range changes {
		names = append(names, change.Name)
	}
	return names
}

// SessionManager exposes the session index, mainly for tests.
func (a *App) SessionManager() *server.SessionManager { return a.sessions }

// Manager exposes the connections table, mainly for tests.
func (a *App) Manager() *upstream.Manager { return a.manager }

// Run starts everything and blocks until a shutdown signal or an
// unrecoverable runtime error. The error return maps to the process exit
// code: nil for a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	settings := a.agentCfg.Get()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Connect children in parallel; clients are admitted per the async
	// loading rules.
	a.manager.Start(runCtx, a.list, a.exec)
	if settings.InternalTools {
		conn := meta.NewConnection(a.manager, a.opts.Version)
		if err := a.manager.Add(runCtx, meta.ServerName, conn); err != nil {
			logging.Warn("App", "Failed to register internal tools: %v", err)
		}
	}

	go a.orch.Run(runCtx)
	a.pool.Start(runCtx)
	a.schemaCache.StartSweeper(time.Minute)
	if a.store != nil {
		a.store.StartSweeper()
	}
	go a.sessionSweepLoop(runCtx)

	waitCtx, waitCancel := context.WithTimeout(runCtx, settings.InitialLoadTimeout.Duration()+time.Second)
	a.orch.WaitReady(waitCtx)
	waitCancel()

	if err := a.srv.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if err := a.watcher.Start(runCtx); err != nil {
		logging.Warn("App", "Config watching disabled: %v", err)
	}

	if settings.Transport != config.MCPTransportStdio {
		record := pidfile.Record{
			URL:       a.srv.Endpoint(),
			Port:      settings.Port,
			Host:      settings.Host,
			Transport: settings.Transport,
		}
		if err := pidfile.Write(a.configDir, record); err != nil {
			logging.Warn("App", "Failed to write pid file: %v", err)
		}
	}

	logging.Info("App", "Proxy ready on %s", a.srv.Endpoint())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logging.Info("App", "Received %s, shutting down", sig)
	case err := <-a.runtimeErr:
		logging.Error("App", err, "Unrecoverable runtime error")
		runErr = err
	case <-ctx.Done():
	}

	a.shutdown()
	return runErr
}

// shutdown tears subsystems down in dependency order: stop admitting,
// cancel pending work, drain outbound connections, clean the pid file.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.watcher.Stop()
	if err := a.srv.Stop(shutdownCtx); err != nil {
		logging.Warn("App", "Server stop: %v", err)
	}
	a.schemaCache.Stop()
	a.pool.Shutdown()
	a.manager.Shutdown(shutdownCtx)
	if a.store != nil {
		a.store.Stop()
	}
	a.exec.Close()
	pidfile.Remove(a.configDir)
	logging.Info("App", "Shutdown complete")
}

func (a *App) sessionSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sessions.SweepExpired()
		}
	}
}
