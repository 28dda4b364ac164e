// Package supervisor runs a pre-fork process model: the parent binds the
// listener once and re-executes its own binary as workers that inherit the
// socket. Workers learn their identity from the environment.
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
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
)

const (
	// EnvWorkerID carries the worker identity into a spawned worker.
	EnvWorkerID = "FLAGKEEPER_WORKER_ID"

	// EnvListenFD names the inherited listener file descriptor.
	EnvListenFD = "FLAGKEEPER_LISTEN_FD"
)

const (
	// RefreshSignal asks every worker to refetch its flags.
	RefreshSignal = syscall.SIGHUP

	// FlushSignal asks every worker to deliver its queued events.
	FlushSignal = syscall.SIGUSR1
)

// listenFD is the descriptor of the first entry in exec.Cmd.ExtraFiles.
const listenFD = 3

// ErrNotWorker is returned when the process was not started by a
// Supervisor.
var ErrNotWorker = errors.New("not running as a supervised worker")

// Config configures a Supervisor.
type Config struct {
	// Workers is the number of worker processes.
	Workers int

	// Binary defaults to the running executable.
	Binary string
	Args   []string

	// Env defaults to the parent environment.
	Env []string

	// Grace is how long a worker may take to exit after SIGTERM before it
	// is killed.
	Grace time.Duration

	// MaxRestarts bounds how often each worker is respawned after it exits
	// on its own.
	MaxRestarts  int
	RestartDelay time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns two workers with a short grace period.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		Grace:        5 * time.Second,
		MaxRestarts:  5,
		RestartDelay: time.Second,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	}
}

type filer interface {
	File() (*os.File, error)
}

// Supervisor spawns and watches worker processes.
type Supervisor struct {
	config   Config
	listener *os.File
	logger   *slog.Logger

	restarts atomic.Int64

	mu    sync.Mutex
	procs map[string]*os.Process
}

// New prepares a supervisor for ln. ln must be backed by a file
// descriptor, as TCP and Unix listeners are.
func New(cfg Config, ln net.Listener, logger *slog.Logger) (*Supervisor, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		cfg.Binary = exe
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultConfig().Grace
	}
	if logger == nil {
		logger = flaglog.Discard()
	}

	f, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("listener %T cannot be shared with workers", ln)
	}
	file, err := f.File()
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate listener: %w", err)
	}

	return &Supervisor{
		config:   cfg,
		listener: file,
		logger:   flaglog.WithComponent(logger, "supervisor"),
		procs:    make(map[string]*os.Process),
	}, nil
}

// Run starts the workers and blocks until ctx is done or a worker exceeds
// its restart budget. On return every worker has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.listener.Close()

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= s.config.Workers; i++ {
		id := strconv.Itoa(i)
		g.Go(func() error {
			return s.runWorker(ctx, id)
		})
	}
	return g.Wait()
}

// Restarts returns how many workers were respawned.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// PIDs returns the current process id of each worker.
func (s *Supervisor) PIDs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.procs))
	for id, p := range s.procs {
		out[id] = p.Pid
	}
	return out
}

// RefreshWorkers sends RefreshSignal to every live worker and returns how
// many were signalled.
func (s *Supervisor) RefreshWorkers() (int, error) {
	return s.signalWorkers(RefreshSignal)
}

// FlushWorkers sends FlushSignal to every live worker and returns how many
// were signalled.
func (s *Supervisor) FlushWorkers() (int, error) {
	return s.signalWorkers(FlushSignal)
}

func (s *Supervisor) signalWorkers(sig os.Signal) (int, error) {
	s.mu.Lock()
	procs := make(map[string]*os.Process, len(s.procs))
	for id, p := range s.procs {
		procs[id] = p
	}
	s.mu.Unlock()

	sent := 0
	var errs []error
	for id, p := range procs {
		if err := p.Signal(sig); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", id, err))
			continue
		}
		sent++
	}
	s.logger.Debug("signalled workers", "signal", sig.String(), "workers", sent)
	return sent, errors.Join(errs...)
}

func (s *Supervisor) runWorker(ctx context.Context, id string) error {
	logger := s.logger.With(flaglog.WorkerIDKey, id)
	restarts := 0

	for {
		cmd := s.command(id)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("worker %s: failed to start: %w", id, err)
		}

		pid := cmd.Process.Pid
		s.setProcess(id, cmd.Process)
		logger.Info("worker started", flaglog.PIDKey, pid)

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			s.setProcess(id, nil)
			s.stop(cmd, exited, logger)
			return nil

		case err := <-exited:
			s.setProcess(id, nil)
			if ctx.Err() != nil {
				return nil
			}

			restarts++
			if restarts > s.config.MaxRestarts {
				return fmt.Errorf("worker %s exited %d times, giving up: %v", id, restarts, err)
			}
			logger.Warn("worker exited, restarting", flaglog.PIDKey, pid, "exit", exitDescription(err), "restart", restarts)
			s.restarts.Add(1)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.config.RestartDelay):
			}
		}
	}
}

func (s *Supervisor) command(id string) *exec.Cmd {
	cmd := exec.Command(s.config.Binary, s.config.Args...)
	cmd.Env = append(append([]string(nil), s.config.Env...),
		EnvWorkerID+"="+id,
		EnvListenFD+"="+strconv.Itoa(listenFD),
	)
	cmd.ExtraFiles = []*os.File{s.listener}
	cmd.Stdout = s.config.Stdout
	cmd.Stderr = s.config.Stderr
	return cmd
}

// stop sends SIGTERM, waits for the grace period, then kills.
func (s *Supervisor) stop(cmd *exec.Cmd, exited <-chan error, logger *slog.Logger) {
	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("failed to signal worker", flaglog.PIDKey, pid, flaglog.Err(err))
	}

	select {
	case err := <-exited:
		logger.Info("worker stopped", flaglog.PIDKey, pid, "exit", exitDescription(err))
	case <-time.After(s.config.Grace):
		logger.Warn("worker ignored SIGTERM, killing", flaglog.PIDKey, pid)
		_ = cmd.Process.Kill()
		<-exited
	}
}

func (s *Supervisor) setProcess(id string, p *os.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		delete(s.procs, id)
		return
	}
	s.procs[id] = p
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// WorkerID returns the identity given by the supervisor.
func WorkerID() (string, bool) {
	id := os.Getenv(EnvWorkerID)
	return id, id != ""
}

// HandleSignals calls onRefresh and onFlush whenever the supervisor sends
// RefreshSignal or FlushSignal, until ctx is done. Workers call it before
// initializing so those signals never terminate them.
func HandleSignals(ctx context.Context, onRefresh, onFlush func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, RefreshSignal, FlushSignal)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				switch sig {
				case RefreshSignal:
					onRefresh()
				case FlushSignal:
					onFlush()
				}
			}
		}
	}()
}

// InheritedListener returns the listener passed down by the supervisor.
func InheritedListener() (net.Listener, error) {
	raw := os.Getenv(EnvListenFD)
	if raw == "" {
		return nil, ErrNotWorker
	}

	fd, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", EnvListenFD, raw, err)
	}

	file := os.NewFile(uintptr(fd), "flagkeeper-listener")
	if file == nil {
		return nil, fmt.Errorf("invalid listener descriptor %d", fd)
	}
	defer file.Close()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to use inherited listener: %w", err)
	}
	return ln, nil
}
