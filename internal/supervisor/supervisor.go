// Package supervisor manages the lifecycle of a locally-run opencode server:
// health probing, idempotent start, and graceful restart. Lifecycle-mutating
// operations on the same port are not safe to interleave and must be
// serialized by the caller.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chatops-dev/opencodectl/internal/poll"
	"github.com/chatops-dev/opencodectl/internal/portprobe"
)

// State classifies the backend as observed at a point in time.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateOccupiedByOther
	StateStopped
	StateStarting
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateOccupiedByOther:
		return "occupied-by-other"
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	}
	return "unknown"
}

// Result is the only failure channel of the supervisor's public operations.
// Unexpected OS errors are converted to it at this boundary: the chat-glue
// layers upstream have nowhere to put an error value.
type Result struct {
	OK     bool
	Detail string
}

const (
	healthPollInterval = 1 * time.Second
	startHealthBudget  = 10
	// The restart budget is longer than first start: the forceful kill path
	// may have been used and the port can take longer to come back.
	restartHealthBudget = 15

	killPollInterval = 500 * time.Millisecond
	killPollBudget   = 10
)

// SpawnRequest carries everything needed to launch the backend process.
type SpawnRequest struct {
	Command []string
	WorkDir string
	LogPath string
}

// Supervisor starts, stops, and restarts the backend on a fixed port.
type Supervisor struct {
	log    *zap.SugaredLogger
	prober *portprobe.Prober
	health *HealthChecker

	port     int
	hostname string
	logPath  string
	launch   []string

	spawn  func(req SpawnRequest) (int, error)
	signal func(pid int, sig syscall.Signal) error

	healthPollInterval time.Duration
	killPollInterval   time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger attaches a named logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithLogFile redirects the spawned backend's output to path (append mode).
func WithLogFile(path string) Option {
	return func(s *Supervisor) {
		s.logPath = path
	}
}

// WithLaunchCommand overrides the backend launch command.
func WithLaunchCommand(cmd ...string) Option {
	return func(s *Supervisor) {
		s.launch = cmd
	}
}

// WithProber replaces the port prober.
func WithProber(p *portprobe.Prober) Option {
	return func(s *Supervisor) {
		s.prober = p
	}
}

// WithSpawnFunc replaces the process launcher, mainly for tests.
func WithSpawnFunc(fn func(req SpawnRequest) (int, error)) Option {
	return func(s *Supervisor) {
		s.spawn = fn
	}
}

// WithSignalFunc replaces process signaling, mainly for tests.
func WithSignalFunc(fn func(pid int, sig syscall.Signal) error) Option {
	return func(s *Supervisor) {
		s.signal = fn
	}
}

// WithPollIntervals shrinks the poll cadence, mainly for tests.
func WithPollIntervals(health, kill time.Duration) Option {
	return func(s *Supervisor) {
		s.healthPollInterval = health
		s.killPollInterval = kill
	}
}

// New builds a Supervisor for the backend on hostname:port.
func New(port int, hostname string, health *HealthChecker, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:                zap.NewNop().Sugar(),
		prober:             portprobe.New(),
		health:             health,
		port:               port,
		hostname:           hostname,
		launch:             []string{"opencode", "serve"},
		signal:             signalPID,
		healthPollInterval: healthPollInterval,
		killPollInterval:   killPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.spawn == nil {
		s.spawn = spawnDetached
	}
	return s
}

// Status freshly computes the backend's state along with the raw port probe.
// Health is never cached: every lifecycle decision re-probes.
func (s *Supervisor) Status(ctx context.Context) (State, portprobe.Status) {
	healthy := s.health.IsHealthy(ctx)
	st := s.prober.Probe(ctx, s.port)
	switch {
	case healthy:
		return StateHealthy, st
	case st.Occupied:
		return StateOccupiedByOther, st
	default:
		return StateStopped, st
	}
}

// EnsureRunning makes the backend healthy if it is not already, spawning it
// in cwd when the port is free. A healthy backend is never restarted. A port
// occupied by an unhealthy process is a failure: the supervisor never kills
// a process it did not classify as the backend's own.
func (s *Supervisor) EnsureRunning(ctx context.Context, cwd string) Result {
	if s.health.IsHealthy(ctx) {
		return Result{OK: true, Detail: "opencode is already running"}
	}

	st := s.prober.Probe(ctx, s.port)
	if st.Occupied {
		detail := fmt.Sprintf("port %d is occupied by an unrelated process", s.port)
		if st.PID > 0 {
			detail += fmt.Sprintf(" (pid=%d", st.PID)
			if st.Command != "" {
				detail += ", " + st.Command
			}
			detail += ")"
		}
		s.log.Warnw("refusing to start over an occupied port", "port", s.port, "pid", st.PID)
		return Result{OK: false, Detail: detail}
	}

	res := s.start(cwd)
	if !res.OK {
		return res
	}
	if s.waitHealthy(ctx, startHealthBudget) {
		return res
	}
	// Slow start is not a spawn failure; the process is left running.
	return Result{OK: false, Detail: "opencode started but has not passed its health check yet; try again shortly"}
}

// Restart terminates the current port owner (graceful, then forceful) and
// starts the backend in cwd. Confirmed termination is a courtesy, not a
// precondition: start proceeds regardless.
func (s *Supervisor) Restart(ctx context.Context, cwd string) Result {
	st := s.prober.Probe(ctx, s.port)
	if st.Occupied && st.PID > 0 {
		s.terminate(ctx, st.PID)
	}

	res := s.start(cwd)
	if !res.OK {
		return res
	}
	if s.waitHealthy(ctx, restartHealthBudget) {
		return Result{OK: true, Detail: "restarted: " + res.Detail}
	}
	return Result{OK: false, Detail: "restarted but the health check has not passed yet: " + res.Detail}
}

// start creates cwd if needed and spawns the backend detached, with its
// output appended to the configured log file.
func (s *Supervisor) start(cwd string) Result {
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return Result{OK: false, Detail: fmt.Sprintf("cannot create directory %s: %v", cwd, err)}
	}

	args := append(append([]string{}, s.launch...),
		"--port", strconv.Itoa(s.port), "--hostname", s.hostname)
	pid, err := s.spawn(SpawnRequest{Command: args, WorkDir: cwd, LogPath: s.logPath})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{OK: false, Detail: fmt.Sprintf("%s not found; make sure it is installed and on PATH", s.launch[0])}
		}
		return Result{OK: false, Detail: err.Error()}
	}

	s.log.Infow("spawned opencode", "pid", pid, "port", s.port, "cwd", cwd)
	return Result{OK: true, Detail: fmt.Sprintf("started opencode serve (pid=%d, %s:%d, cwd=%s)", pid, s.hostname, s.port, cwd)}
}

// waitHealthy polls health at the configured interval until it passes or the
// attempt budget runs out.
func (s *Supervisor) waitHealthy(ctx context.Context, attempts int) bool {
	err := poll.Until(ctx, s.healthPollInterval, attempts, func(ctx context.Context) (bool, error) {
		return s.health.IsHealthy(ctx), nil
	})
	return err == nil
}

// terminate sends SIGTERM, waits for the port to free, and escalates to
// SIGKILL if it does not. Best effort throughout: signaling a process that
// already exited is success.
func (s *Supervisor) terminate(ctx context.Context, pid int) {
	if err := s.signal(pid, syscall.SIGTERM); err != nil {
		s.log.Debugw("SIGTERM failed", "pid", pid, "err", err)
		return
	}

	err := poll.Until(ctx, s.killPollInterval, killPollBudget, func(ctx context.Context) (bool, error) {
		return !s.prober.Probe(ctx, s.port).Occupied, nil
	})
	if err == nil {
		return
	}

	s.log.Warnw("port still occupied after SIGTERM, escalating", "pid", pid, "port", s.port)
	if err := s.signal(pid, syscall.SIGKILL); err != nil {
		s.log.Debugw("SIGKILL failed", "pid", pid, "err", err)
		return
	}
	time.Sleep(s.killPollInterval)
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// spawnDetached launches the backend in its own session so that supervisor
// exit never takes the backend down with it.
func spawnDetached(req SpawnRequest) (int, error) {
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logPath := req.LogPath
	if logPath == "" {
		logPath = os.DevNull
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", req.Command[0], err)
	}
	pid := cmd.Process.Pid

	// Reap the child if it exits while we are still alive.
	go cmd.Wait()

	return pid, nil
}
