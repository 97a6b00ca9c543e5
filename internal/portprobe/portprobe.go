// Package portprobe classifies local TCP port occupancy and identifies the
// owning process through a ranked chain of OS introspection tools.
package portprobe

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	connectTimeout = 1 * time.Second
	locatorTimeout = 2 * time.Second
	cmdPreviewLen  = 80
)

// Status is the outcome of probing a port. PID and Command are best effort:
// an occupied port with an unresolvable owner reports Occupied with PID 0.
type Status struct {
	Occupied bool
	PID      int
	Command  string
}

// Locator resolves the pid listening on a port. Implementations return 0
// when they cannot tell; they never return errors, since a failed tool just
// means the next one in the chain gets a try.
type Locator interface {
	Locate(ctx context.Context, port int) int
}

// Prober checks port occupancy on the loopback interface.
type Prober struct {
	log      *zap.SugaredLogger
	host     string
	locators []Locator
}

// Option configures a Prober.
type Option func(*Prober)

// WithLogger attaches a named logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Prober) {
		p.log = l.Named("portprobe").Sugar()
	}
}

// WithLocators overrides the locator chain, mainly for tests.
func WithLocators(locs ...Locator) Option {
	return func(p *Prober) {
		p.locators = locs
	}
}

// New builds a Prober with the default lsof -> fuser -> ss locator chain.
func New(opts ...Option) *Prober {
	p := &Prober{
		log:  zap.NewNop().Sugar(),
		host: "127.0.0.1",
		locators: []Locator{
			&lsofLocator{},
			&fuserLocator{},
			&ssLocator{},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe reports whether the port accepts connections and, if so, which
// process owns it. It never fails: unresolvable owners are reported as
// occupied with an empty pid/command.
func (p *Prober) Probe(ctx context.Context, port int) Status {
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", p.host, port))
	if err != nil {
		return Status{}
	}
	conn.Close()

	pid := 0
	for _, loc := range p.locators {
		if pid = loc.Locate(ctx, port); pid > 0 {
			break
		}
	}
	if pid == 0 {
		p.log.Debugw("port occupied but owner unresolved", "port", port)
		return Status{Occupied: true}
	}
	return Status{Occupied: true, PID: pid, Command: readCmdline(pid)}
}

// readCmdline returns a truncated preview of /proc/<pid>/cmdline, for
// diagnostics only.
func readCmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	cmd := strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	if runes := []rune(cmd); len(runes) > cmdPreviewLen {
		cmd = string(runes[:cmdPreviewLen])
	}
	return cmd
}

// runTool runs an external introspection tool with a short deadline and
// returns its combined output. Missing binaries and timeouts surface as
// errors so the caller can move down the chain.
func runTool(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, locatorTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return "", err
	}
	return string(out), nil
}

// FreePort acquires an ephemeral TCP port that is free at the time of the
// call, for callers that need a known-unoccupied port.
func FreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

type lsofLocator struct{}

func (lsofLocator) Locate(ctx context.Context, port int) int {
	out, err := runTool(ctx, "lsof", "-i", fmt.Sprintf(":%d", port), "-t")
	if err != nil {
		return 0
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}

type fuserLocator struct{}

func (fuserLocator) Locate(ctx context.Context, port int) int {
	// fuser prints pids to stderr or stdout depending on the build.
	out, err := runTool(ctx, "fuser", fmt.Sprintf("%d/tcp", port))
	if err != nil {
		return 0
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSuffix(fields[len(fields)-1], ":"))
	if err != nil {
		return 0
	}
	return pid
}

var ssPIDRe = regexp.MustCompile(`pid=(\d+)`)

type ssLocator struct{}

func (ssLocator) Locate(ctx context.Context, port int) int {
	out, err := runTool(ctx, "ss", "-tlnp")
	if err != nil {
		return 0
	}
	needle := fmt.Sprintf(":%d", port)
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, needle) || !strings.Contains(line, "pid=") {
			continue
		}
		m := ssPIDRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return pid
	}
	return 0
}
