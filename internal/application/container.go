// Package application provides application-level services and dependency
// injection for the sync daemon and CLI.
package application

import (
	"context"
	"fmt"

	"github.com/tidal-app/tidal/internal/adapters/remote/httpapi"
	"github.com/tidal-app/tidal/internal/adapters/storage/sqlite"
	"github.com/tidal-app/tidal/internal/application/engine"
	"github.com/tidal-app/tidal/internal/application/health"
	"github.com/tidal-app/tidal/internal/application/ports"
	"github.com/tidal-app/tidal/internal/application/pushqueue"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
	"github.com/tidal-app/tidal/internal/infrastructure/config"
	"github.com/tidal-app/tidal/internal/infrastructure/device"
	"github.com/tidal-app/tidal/internal/infrastructure/logging"
	"github.com/tidal-app/tidal/internal/infrastructure/netmon"
	"github.com/tidal-app/tidal/internal/infrastructure/tracing"
	"github.com/tidal-app/tidal/internal/presentation/statusws"
)

// Container holds all application dependencies and manages their lifecycle
// and initialization order.
type Container struct {
	config  *config.Config
	verbose bool

	dbConn *sqlite.Connection

	queueRepo   *sqlite.QueueRepository
	checkpoints *sqlite.CheckpointStore
	conflictLog *sqlite.ConflictLog
	deviceClock *sqlite.DeviceClock
	documents   *sqlite.DocumentStore

	queue     *pushqueue.Manager
	healthMgr *health.Manager
	engine    *engine.Engine
	scheduler *engine.Scheduler
	monitor   *netmon.Monitor
	status    *statusws.Server

	logger   *logging.Logger
	tracer   *tracing.Tracer
	deviceID string
}

// Options adjusts container construction. The zero value is the daemon
// default.
type Options struct {
	// Verbose raises the log level to debug regardless of config.
	Verbose bool

	// Local overrides the local document store. Nil uses the SQLite
	// document store, which is what the demo runner and the tests want;
	// an embedding application passes its own reactive store here.
	Local ports.LocalStore

	// Remote overrides the remote API, for tests.
	Remote ports.RemoteAPI

	// Auth overrides the credential-expiry notifier. Nil installs a
	// notifier that only logs.
	Auth ports.AuthNotifier
}

// NewContainer wires the full dependency graph from configuration.
func NewContainer(cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{config: cfg, verbose: opts.Verbose}

	c.initLogging()

	if err := c.initObservability(); err != nil {
		return nil, fmt.Errorf("could not initialize observability: %w", err)
	}
	if err := c.initIdentity(); err != nil {
		return nil, fmt.Errorf("could not initialize device identity: %w", err)
	}
	if err := c.initDatabase(); err != nil {
		return nil, fmt.Errorf("could not initialize database: %w", err)
	}
	if err := c.initServices(opts); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("could not initialize services: %w", err)
	}

	return c, nil
}

func (c *Container) initLogging() {
	level := logging.Level(c.config.Logging.Level)
	if c.verbose {
		level = logging.LevelDebug
	}

	c.logger = logging.Init(logging.Config{
		Level:      level,
		Format:     logging.Format(c.config.Logging.Format),
		File:       c.config.Logging.File,
		MaxSizeMB:  c.config.Logging.MaxSize,
		MaxAgeDays: c.config.Logging.MaxAge,
	})
}

func (c *Container) initObservability() error {
	tc := c.config.Observability.Tracing
	if !tc.Enabled {
		c.tracer = tracing.Noop()
		return nil
	}

	tracer, err := tracing.New(context.Background(), tracing.Config{
		Enabled:      true,
		ExporterType: tc.ExporterType,
		OTLPEndpoint: tc.OTLPEndpoint,
		SampleRate:   tc.SampleRate,
		ServiceName:  tc.ServiceName,
	})
	if err != nil {
		return err
	}
	c.tracer = tracer
	return nil
}

func (c *Container) initIdentity() error {
	id, err := device.LoadOrCreate(c.config.Storage.DeviceIDPath)
	if err != nil {
		return err
	}
	c.deviceID = id
	return nil
}

func (c *Container) initDatabase() error {
	conn, err := sqlite.NewConnection(c.config.Storage.DatabasePath)
	if err != nil {
		return err
	}
	if err := conn.Open(); err != nil {
		return err
	}

	c.dbConn = conn
	c.queueRepo = sqlite.NewQueueRepository(conn)
	c.checkpoints = sqlite.NewCheckpointStore(conn)
	c.conflictLog = sqlite.NewConflictLog(conn)
	c.deviceClock = sqlite.NewDeviceClock(conn)
	c.documents = sqlite.NewDocumentStore(conn)
	return nil
}

func (c *Container) initServices(opts Options) error {
	c.healthMgr = health.NewManager(c.logger)
	c.monitor = netmon.NewMonitor(true)

	c.queue = pushqueue.NewManager(c.queueRepo, c.deviceClock, c.config, c.deviceID, c.logger)
	c.queue.SetCountsListener(c.healthMgr.SetQueueCounts)

	local := opts.Local
	if local == nil {
		local = c.documents
	}
	remote := opts.Remote
	switch {
	case remote != nil:
	case c.config.Remote.BaseURL == "":
		// Offline commands (conflicts, queue inspection) still need the
		// container; cycles against this remote fail cleanly.
		remote = unconfiguredRemote{}
	default:
		remote = httpapi.NewClient(
			c.config.Remote.BaseURL,
			c.config.Remote.Token,
			c.deviceID,
			httpapi.WithTimeout(c.config.Remote.Timeout),
		)
	}

	auth := opts.Auth
	if auth == nil {
		auth = &loggingAuthNotifier{logger: c.logger}
	}

	c.engine = engine.New(engine.Options{
		Config:      c.config,
		Local:       local,
		Remote:      remote,
		Queue:       c.queue,
		Checkpoints: c.checkpoints,
		Conflicts:   c.conflictLog,
		Clock:       c.deviceClock,
		Health:      c.healthMgr,
		Auth:        auth,
		Logger:      c.logger,
		Tracer:      c.tracer,
	})
	c.scheduler = engine.NewScheduler(c.engine, c.logger)

	if c.config.Status.Enabled {
		addr := c.config.Status.Addr
		if addr == "" {
			addr = config.DefaultStatusAddr
		}
		c.status = statusws.NewServer(addr, c.healthMgr, c.Controls(), c.logger)
	}

	return nil
}

// Close releases all resources held by the container.
func (c *Container) Close() error {
	ctx := context.Background()

	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.status != nil {
		_ = c.status.Stop(ctx)
	}
	if c.tracer != nil {
		_ = c.tracer.Shutdown(ctx)
	}
	if c.dbConn != nil {
		return c.dbConn.Close()
	}
	return nil
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config { return c.config }

// Logger returns the structured logger.
func (c *Container) Logger() *logging.Logger { return c.logger }

// Engine returns the sync engine.
func (c *Container) Engine() *engine.Engine { return c.engine }

// Scheduler returns the per-collection cycle scheduler.
func (c *Container) Scheduler() *engine.Scheduler { return c.scheduler }

// Queue returns the durable push queue manager.
func (c *Container) Queue() *pushqueue.Manager { return c.queue }

// Health returns the observable health manager.
func (c *Container) Health() *health.Manager { return c.healthMgr }

// Monitor returns the network connectivity monitor.
func (c *Container) Monitor() *netmon.Monitor { return c.monitor }

// StatusServer returns the websocket status server, nil when disabled.
func (c *Container) StatusServer() *statusws.Server { return c.status }

// ConflictLog returns the conflict audit trail.
func (c *Container) ConflictLog() ports.ConflictLog { return c.conflictLog }

// Documents returns the SQLite-backed local document store.
func (c *Container) Documents() *sqlite.DocumentStore { return c.documents }

// DeviceID returns the per-installation identifier.
func (c *Container) DeviceID() string { return c.deviceID }

// Controls returns the daemon control surface used by the websocket and the
// trigger watcher.
func (c *Container) Controls() *Controls {
	return &Controls{c: c}
}

// Controls is the daemon-side handler for UI and CLI control requests.
type Controls struct {
	c *Container
}

// SetOnline records a platform connectivity report. Reconnecting kicks an
// immediate cycle for every collection so queued work drains right away.
func (ctl *Controls) SetOnline(online bool) {
	wasOnline := ctl.c.monitor.Online()
	ctl.c.monitor.SetOnline(online)
	ctl.c.healthMgr.SetOnline(online)

	if online && !wasOnline {
		ctl.c.scheduler.TriggerAll()
	}
}

// RetryFailed resets failed and dead-letter operations and runs a cycle.
func (ctl *Controls) RetryFailed(ctx context.Context) error {
	_, err := ctl.c.engine.RetryFailed(ctx)
	return err
}

// ForceResync clears checkpoints and pulls from scratch. An empty collection
// resyncs every configured collection.
func (ctl *Controls) ForceResync(ctx context.Context, collection string) error {
	if collection != "" {
		return ctl.c.engine.ForceResync(ctx, collection)
	}

	var firstErr error
	for _, cc := range ctl.c.config.CollectionTable() {
		if err := ctl.c.engine.ForceResync(ctx, cc.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loggingAuthNotifier is the default AuthNotifier: the daemon has no auth UI
// of its own, so it logs and leaves the engine paused until the embedding
// application refreshes credentials and resumes.
type loggingAuthNotifier struct {
	logger *logging.Logger
}

func (n *loggingAuthNotifier) CredentialsExpired(ctx context.Context, cause error) {
	n.logger.WarnContext(ctx, "credentials expired, sync paused until re-auth", "cause", cause)
}

// unconfiguredRemote stands in when remote.base_url is not set. Every call
// fails with a non-retryable error naming the missing configuration.
type unconfiguredRemote struct{}

func (unconfiguredRemote) PushDocuments(ctx context.Context, collection string, docs []*syncdoc.Document) (*ports.PushResult, error) {
	return nil, derrors.New(derrors.CodeValidation, "remote.base_url is not configured")
}

func (unconfiguredRemote) PullChanges(ctx context.Context, collection string, since ports.Checkpoint) (*ports.PullPage, error) {
	return nil, derrors.New(derrors.CodeValidation, "remote.base_url is not configured")
}
