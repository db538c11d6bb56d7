// Package daemon runs the verification engine: a tick loop that
// activates sessions, delivers due challenge bursts, grades replies,
// concludes sessions, and runs post-verification spot checks.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bottomfeed/verifyd/internal/events"
	"github.com/bottomfeed/verifyd/internal/lock"
	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/store"
	"github.com/bottomfeed/verifyd/internal/uds"
	"github.com/bottomfeed/verifyd/internal/webhook"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the main verifyd daemon process.
type Daemon struct {
	verifydDir string
	config     model.Config
	logLevel   LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	sessions *store.SessionStore
	agents   *store.AgentDirectory
	bus      *events.Bus
	audit    *events.AuditLogger
	tick     *TickHandler

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to logs/daemon.log.
func New(verifydDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(verifydDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(verifydDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(verifydDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := filepath.Join(verifydDir, uds.DefaultSocketName)

	tickInterval := cfg.Daemon.TickIntervalSec
	if tickInterval <= 0 {
		tickInterval = 60
	}

	d := &Daemon{
		verifydDir: verifydDir,
		config:     cfg,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(verifydDir, "locks", "daemon.lock")),
		server:     uds.NewServer(socketPath),
		ticker:     time.NewTicker(time.Duration(tickInterval) * time.Second),
		ctx:        ctx,
		cancel:     cancel,
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.verifydDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Init stores and event plumbing
	sessions, err := store.NewSessionStore(d.verifydDir)
	if err != nil {
		d.fileLock.Unlock()
		return err
	}
	d.sessions = sessions
	agents, err := store.NewAgentDirectory(d.verifydDir)
	if err != nil {
		d.fileLock.Unlock()
		return err
	}
	d.agents = agents

	d.bus = events.NewBus(100)
	audit, err := events.NewAuditLogger(filepath.Join(d.verifydDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	for _, evType := range []events.EventType{
		events.EventSessionActivated,
		events.EventChallengeSent,
		events.EventChallengeResolved,
		events.EventSessionConcluded,
		events.EventSpotCheck,
		events.EventTierRecommended,
		events.EventCircuitOpened,
		events.EventAdminMutation,
	} {
		d.bus.Subscribe(evType, d.audit.LogEvent)
	}

	// Step 3: Init webhook client and tick handler
	client, err := webhook.NewClient(time.Duration(d.config.Verification.ResponseWindowSec) * time.Second)
	if err != nil {
		d.cleanup()
		return err
	}
	d.tick = NewTickHandler(d.verifydDir, d.config, sessions, agents, client, d.bus, d.logger, d.logLevel)

	// Step 4: Init fsnotify watcher on the sessions dir so externally
	// dropped session files get picked up without waiting for the tick
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(sessions.Dir()); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", sessions.Dir(), err)
	}

	// Step 5: Register UDS handlers and start the server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.verifydDir, uds.DefaultSocketName))

	// Step 6: Start background loops
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	// Step 7: Run initial tick
	d.runTick("startup")
	d.log(LogLevelInfo, "daemon ready")

	// Step 8: Wait for signals
	d.waitSignals()

	return nil
}

func (d *Daemon) runTick(trigger string) {
	summary, err := d.tick.Run(d.ctx)
	if err != nil {
		d.log(LogLevelError, "tick trigger=%s error=%v", trigger, err)
		return
	}
	if summary.ChallengesSent > 0 || summary.SessionsConcluded > 0 || summary.SpotChecksProcessed > 0 {
		d.log(LogLevelInfo, "tick trigger=%s sessions=%d sent=%d passed=%d failed=%d skipped=%d concluded=%d spot_checks=%d",
			trigger, summary.SessionsProcessed, summary.ChallengesSent,
			summary.Passed, summary.Failed, summary.Skipped,
			summary.SessionsConcluded, summary.SpotChecksProcessed)
	}
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdStatus, d.handleStatus)

	d.server.Handle(uds.CmdTick, func(req *uds.Request) *uds.Response {
		summary, err := d.tick.Run(d.ctx)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(summary)
	})

	d.server.Handle(uds.CmdSessionCreate, d.handleSessionCreate)
	d.server.Handle(uds.CmdForceReschedule, d.handleForceReschedule)

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	sessions, err := d.sessions.List()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	agents, err := d.agents.List()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	counts := map[model.SessionStatus]int{}
	for _, s := range sessions {
		counts[s.Status]++
	}
	verified := 0
	for _, a := range agents {
		if a.Verified {
			verified++
		}
	}

	return uds.SuccessResponse(map[string]any{
		"pid":                  os.Getpid(),
		"sessions_pending":     counts[model.SessionPending],
		"sessions_in_progress": counts[model.SessionInProgress],
		"sessions_completed":   counts[model.SessionCompleted],
		"sessions_failed":      counts[model.SessionFailed],
		"agents":               len(agents),
		"agents_verified":      verified,
	})
}

type sessionCreateParams struct {
	AgentID    string `json:"agent_id"`
	WebhookURL string `json:"webhook_url"`
	ModelName  string `json:"model_name,omitempty"`
}

func (d *Daemon) handleSessionCreate(req *uds.Request) *uds.Response {
	var params sessionCreateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.AgentID == "" || params.WebhookURL == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "agent_id and webhook_url are required")
	}
	if err := webhook.ValidateWebhookURL(params.WebhookURL); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	sess, err := d.tick.Sessions().CreateForAgent(params.AgentID, params.WebhookURL, params.ModelName)
	if err != nil {
		if strings.Contains(err.Error(), "already") {
			return uds.ErrorResponse(uds.ErrCodeDuplicate, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]string{
		"session_id": sess.ID,
		"status":     string(sess.Status),
	})
}

type forceRescheduleParams struct {
	SessionID string `json:"session_id"`
	Operator  string `json:"operator,omitempty"`
}

func (d *Daemon) handleForceReschedule(req *uds.Request) *uds.Response {
	var params forceRescheduleParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.SessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "session_id is required")
	}

	newTime, err := d.tick.Sessions().ForceRescheduleNextBurst(params.SessionID, params.Operator)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]string{
		"session_id":   params.SessionID,
		"rescheduled":  "next_burst",
		"scheduled_at": newTime,
	})
}

// fsnotifyLoop triggers a tick when session files change on disk.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && store.IsSessionFile(event.Name) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.runTick("fsnotify")
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop triggers the periodic tick.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic tick triggered")
			d.runTick("ticker")
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		if d.bus != nil {
			d.bus.Close()
		}
		if d.audit != nil {
			d.audit.Close()
		}
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	socketPath := filepath.Join(d.verifydDir, uds.DefaultSocketName)
	os.Remove(socketPath)
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
