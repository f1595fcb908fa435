// Package supervisor spawns one game server process per room on a fresh
// port, waits until it accepts connections, and reaps it when it exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/telemetry"
)

type Config struct {
	// BindHost is passed to the game server and used for probing.
	BindHost string `mapstructure:"bind_host"`
	// AdvertiseHost is the address members connect to; defaults to BindHost.
	AdvertiseHost string        `mapstructure:"advertise_host"`
	PortStart     int           `mapstructure:"port_start"`
	PortEnd       int           `mapstructure:"port_end"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	// Runtimes maps an entry point extension to the command that runs it,
	// e.g. ".py": ["python3", "-u"]. Entries without one are executed directly.
	Runtimes map[string][]string `mapstructure:"runtimes"`
	// LogDir receives one rotating output file per launch when set.
	LogDir       string `mapstructure:"log_dir"`
	LogMaxSizeMB int    `mapstructure:"log_max_size_mb"`
}

func (c *Config) defaults() {
	if c.BindHost == "" {
		c.BindHost = "127.0.0.1"
	}
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = c.BindHost
	}
	if c.PortStart <= 0 {
		c.PortStart = 20000
	}
	if c.PortEnd < c.PortStart {
		c.PortEnd = c.PortStart + 9999
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.Runtimes == nil {
		c.Runtimes = map[string][]string{".py": {"python3", "-u"}}
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 10
	}
}

// LaunchSpec describes one game server launch.
type LaunchSpec struct {
	Room        string
	GameID      string
	Version     string
	StoragePath string
	ServerEntry string
	Players     []string
}

// Process is a live game server.
type Process struct {
	Room      string
	GameID    string
	Version   string
	PID       int
	Host      string
	Port      int
	StartedAt time.Time

	cmd      *exec.Cmd
	out      io.WriteCloser
	exited   chan struct{}
	exitCode int
	ready    bool // guarded by Supervisor.mu
	stopped  atomic.Bool
}

// Addr is where members connect.
func (p *Process) Addr() string { return net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) }

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// LaunchResult is delivered once per Launch.
type LaunchResult struct {
	Process *Process
	Err     error
}

// ExitInfo reports a reaped process that had been launched successfully.
type ExitInfo struct {
	Room     string
	PID      int
	Port     int
	Code     int
	Stopped  bool // killed through Stop or Shutdown
	ExitedAt time.Time
}

type Supervisor struct {
	cfg     Config
	ports   *PortPool
	metrics *telemetry.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	procs  map[string]*Process
	onExit func(ExitInfo)
	reaped sync.WaitGroup
}

func New(cfg Config, metrics *telemetry.Metrics) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:     cfg,
		ports:   NewPortPool(cfg.BindHost, cfg.PortStart, cfg.PortEnd),
		metrics: metrics,
		log:     slog.Default().With("component", "supervisor"),
		procs:   map[string]*Process{},
	}
}

// OnExit registers the callback run by the reaper for every process that
// exits after a successful launch.
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

func (s *Supervisor) Ports() *PortPool { return s.ports }

// Launch starts the game server off the caller's goroutine. The channel
// yields exactly one result. Cancelling ctx before the server is ready
// kills it with SPAWN_FAIL/CANCELED.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) <-chan LaunchResult {
	ch := make(chan LaunchResult, 1)
	go func() {
		p, err := s.launch(ctx, spec)
		if err != nil {
			s.metrics.SpawnFailed(apperr.From(err).Reason)
			s.log.Warn("launch failed", "room", spec.Room, "game", spec.GameID, "version", spec.Version, "error", err)
		}
		ch <- LaunchResult{Process: p, Err: err}
	}()
	return ch
}

func (s *Supervisor) command(entry string, port int, spec LaunchSpec) *exec.Cmd {
	args := []string{entry,
		"--host", s.cfg.BindHost,
		"--port", strconv.Itoa(port),
		"--room", spec.Room,
		"--players", strings.Join(spec.Players, ","),
	}
	name := entry
	if rt := s.cfg.Runtimes[strings.ToLower(filepath.Ext(entry))]; len(rt) > 0 {
		name = rt[0]
		args = append(append([]string{}, rt[1:]...), args...)
	} else {
		args = args[1:]
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.StoragePath
	cmd.Env = append(os.Environ(),
		"ARCADE_HOST="+s.cfg.BindHost,
		"ARCADE_PORT="+strconv.Itoa(port),
		"ARCADE_ROOM="+spec.Room,
		"ARCADE_GAME="+spec.GameID,
		"ARCADE_VERSION="+spec.Version,
	)
	return cmd
}

func (s *Supervisor) launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	entry := filepath.Join(spec.StoragePath, filepath.FromSlash(spec.ServerEntry))
	if st, err := os.Stat(entry); err != nil || !st.Mode().IsRegular() {
		return nil, apperr.SpawnFail(apperr.ReasonSpawnEntryMissing, err, "server entry %s not found", spec.ServerEntry)
	}
	s.mu.Lock()
	_, busy := s.procs[spec.Room]
	s.mu.Unlock()
	if busy {
		return nil, apperr.SpawnFail(apperr.ReasonSpawnStart, nil, "room %s already has a game server", spec.Room)
	}
	port, err := s.ports.Next()
	if err != nil {
		return nil, err
	}
	s.metrics.PortAllocated()

	cmd := s.command(entry, port, spec)
	var out io.WriteCloser
	if s.cfg.LogDir != "" {
		out = &lumberjack.Logger{
			Filename: filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s-%d.log", spec.Room, port)),
			MaxSize:  s.cfg.LogMaxSizeMB,
		}
		cmd.Stdout, cmd.Stderr = out, out
	}
	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, apperr.SpawnFail(apperr.ReasonSpawnStart, err, "start %s: %v", spec.ServerEntry, err)
	}
	p := &Process{
		Room:      spec.Room,
		GameID:    spec.GameID,
		Version:   spec.Version,
		PID:       cmd.Process.Pid,
		Host:      s.cfg.AdvertiseHost,
		Port:      port,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		out:       out,
		exited:    make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[spec.Room] = p
	s.mu.Unlock()
	s.reaped.Add(1)
	go s.reap(p)
	s.log.Info("game server started", "room", spec.Room, "pid", p.PID, "port", port, "entry", spec.ServerEntry)

	if err := s.waitReady(ctx, p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-p.exited:
		return nil, apperr.SpawnFail(apperr.ReasonSpawnExited, nil, "game server exited with code %d right after start", p.exitCode)
	default:
	}
	p.ready = true
	return p, nil
}

var errExited = errors.New("process exited")

// waitReady probes the port with bounded exponential backoff.
func (s *Supervisor) waitReady(ctx context.Context, p *Process) error {
	probeAddr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(p.Port))
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.cfg.ReadyTimeout
	op := func() error {
		select {
		case <-p.exited:
			return backoff.Permanent(errExited)
		default:
		}
		c, err := net.DialTimeout("tcp", probeAddr, 250*time.Millisecond)
		if err != nil {
			return err
		}
		_ = c.Close()
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errExited):
		return apperr.SpawnFail(apperr.ReasonSpawnExited, nil, "game server exited with code %d before accepting connections", p.exitCode)
	case ctx.Err() != nil:
		s.kill(p)
		return apperr.SpawnFail(apperr.ReasonSpawnCanceled, ctx.Err(), "launch canceled")
	default:
		s.kill(p)
		return apperr.SpawnFail(apperr.ReasonSpawnTimeout, err, "game server not reachable on %s within %s", probeAddr, s.cfg.ReadyTimeout)
	}
}

func (s *Supervisor) reap(p *Process) {
	defer s.reaped.Done()
	_ = p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	if p.out != nil {
		_ = p.out.Close()
	}
	close(p.exited)

	s.mu.Lock()
	if s.procs[p.Room] == p {
		delete(s.procs, p.Room)
	}
	ready, cb := p.ready, s.onExit
	s.mu.Unlock()

	s.log.Info("game server exited", "room", p.Room, "pid", p.PID, "port", p.Port, "code", p.exitCode, "stopped", p.stopped.Load())
	if ready && cb != nil {
		cb(ExitInfo{Room: p.Room, PID: p.PID, Port: p.Port, Code: p.exitCode, Stopped: p.stopped.Load(), ExitedAt: time.Now().UTC()})
	}
}

// kill terminates p and waits for the reaper, bounded by StopTimeout.
func (s *Supervisor) kill(p *Process) {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("kill failed", "room", p.Room, "pid", p.PID, "error", err)
	}
	select {
	case <-p.exited:
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn("game server did not exit after kill", "room", p.Room, "pid", p.PID)
	}
}

// Stop kills the room's game server.
func (s *Supervisor) Stop(room string) error {
	s.mu.Lock()
	p, ok := s.procs[room]
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound("no game server for room %s", room)
	}
	p.stopped.Store(true)
	s.kill(p)
	return nil
}

// Running returns the room's live game server.
func (s *Supervisor) Running(room string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[room]
	if !ok || !p.ready {
		return nil, false
	}
	return p, true
}

// Alive reports whether pid is a running process this supervisor owns.
func (s *Supervisor) Alive(room string, pid int) bool {
	p, ok := s.Running(room)
	return ok && p.PID == pid
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Shutdown kills every game server and waits for the reapers.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	all := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		all = append(all, p)
	}
	s.mu.Unlock()
	for _, p := range all {
		p.stopped.Store(true)
		s.kill(p)
	}
	s.reaped.Wait()
}
