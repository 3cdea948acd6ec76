// Package pipeline launches the external video processor.
//
// One process is started per admitted video producer. The process reads raw
// RTP from a fixed local endpoint agreed out of band; the endpoint is not
// renegotiated per launch, so only one raw-media consumer is active at a time.
//
// Startup is gated by a readiness handshake: the process prints a configured
// line on stdout once it is listening, and only then is the raw consumer
// resumed so the first forwarded packet is a keyframe.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	ErrNotReady      = errors.New("pipeline: process did not become ready")
	ErrExited        = errors.New("pipeline: process exited")
	ErrNoCommand     = errors.New("pipeline: no command configured")
	ErrLauncherClose = errors.New("pipeline: launcher closed")
)

const defaultReadyTimeout = 10 * time.Second

type Config struct {
	// Disabled launchers start nothing and report every pipeline ready at once.
	Disabled bool

	Command string
	// Args may contain the placeholders {ip} {port} {rtcpPort} {payloadType}
	// {clockRate} {encodingName} {producerId}, substituted per launch.
	Args []string
	Env  []string

	// ReadyLine is the stdout line announcing readiness. Empty means the process
	// counts as ready as soon as it started.
	ReadyLine    string
	ReadyTimeout time.Duration

	// StopSignal defaults to SIGINT.
	StopSignal os.Signal
}

// Endpoint is the fixed raw-media contact point the process listens on.
type Endpoint struct {
	IP           string
	Port         uint16
	RTCPPort     uint16
	PayloadType  uint8
	ClockRate    uint32
	EncodingName string
}

type LaunchRequest struct {
	ProducerID string
	Endpoint   Endpoint
}

// Pipeline is a running external process as seen by its owner.
type Pipeline interface {
	// WaitReady blocks until the process signalled readiness.
	WaitReady(ctx context.Context) error
	// Stop terminates the process. Only the first call signals it.
	Stop() error
	Done() <-chan struct{}
}

type Launcher struct {
	logger *slog.Logger
	config Config

	mu        sync.Mutex
	closed    bool
	processes map[*Process]struct{}
}

// Create a new Launcher.
// If no logger is given, slog.Default() is used.
func NewLauncher(config Config, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaultReadyTimeout
	}
	if config.StopSignal == nil {
		config.StopSignal = syscall.SIGINT
	}
	if !config.Disabled && config.ReadyLine == "" {
		logger.Warn("pipeline has no ready line, raw media will be resumed as soon as the process starts")
	}

	return &Launcher{
		logger:    logger,
		config:    config,
		processes: make(map[*Process]struct{}),
	}
}

// Launch starts a process for req. The returned Pipeline is owned by the caller,
// who must Stop it when the producer goes away.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (Pipeline, error) {
	if l.config.Disabled {
		return newNoopPipeline(), nil
	}
	if l.config.Command == "" {
		return nil, ErrNoCommand
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLauncherClose
	}
	l.mu.Unlock()

	args := expandArgs(l.config.Args, req)
	cmd := exec.Command(l.config.Command, args...)
	cmd.Env = append(os.Environ(), l.config.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	logger := l.logger.With("producerID", req.ProducerID, "command", l.config.Command)
	p := &Process{
		logger:       logger,
		cmd:          cmd,
		readyLine:    l.config.ReadyLine,
		readyTimeout: l.config.ReadyTimeout,
		stopSignal:   l.config.StopSignal,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		onExit:       l.forget,
	}

	if err := cmd.Start(); err != nil {
		logger.Error("error while starting pipeline process", "err", err)
		return nil, err
	}
	logger = logger.With("pid", cmd.Process.Pid)
	p.logger = logger
	logger.Info("pipeline process started", "args", args)

	if p.readyLine == "" {
		p.markReady()
	}

	l.mu.Lock()
	l.processes[p] = struct{}{}
	l.mu.Unlock()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		p.scan(stdout, "stdout", true)
	}()
	go func() {
		defer streams.Done()
		p.scan(stderr, "stderr", false)
	}()
	go func() {
		// cmd.Wait closes the pipes, so the scanners must have drained first.
		streams.Wait()
		p.exit(cmd.Wait())
	}()

	return p, nil
}

func (l *Launcher) forget(p *Process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.processes, p)
}

// Running counts processes that have not exited yet.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

// StopAll stops every running process and refuses further launches.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	l.closed = true
	processes := make([]*Process, 0, len(l.processes))
	for p := range l.processes {
		processes = append(processes, p)
	}
	l.mu.Unlock()

	for _, p := range processes {
		p.Stop()
	}
}

func expandArgs(args []string, req LaunchRequest) []string {
	replacer := strings.NewReplacer(
		"{ip}", req.Endpoint.IP,
		"{port}", strconv.Itoa(int(req.Endpoint.Port)),
		"{rtcpPort}", strconv.Itoa(int(req.Endpoint.RTCPPort)),
		"{payloadType}", strconv.Itoa(int(req.Endpoint.PayloadType)),
		"{clockRate}", strconv.FormatUint(uint64(req.Endpoint.ClockRate), 10),
		"{encodingName}", req.Endpoint.EncodingName,
		"{producerId}", req.ProducerID,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}

// --------------------------------------------------------------------------------

// Process is one running external pipeline.
type Process struct {
	logger       *slog.Logger
	cmd          *exec.Cmd
	readyLine    string
	readyTimeout time.Duration
	stopSignal   os.Signal

	readyOnce sync.Once
	ready     chan struct{}

	stopOnce sync.Once
	stopErr  error

	done    chan struct{}
	exitErr error
	onExit  func(*Process)
}

func (p *Process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *Process) scan(r io.Reader, stream string, watchReady bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("pipeline output", "stream", stream, "line", line)
		if watchReady && p.readyLine != "" && strings.TrimSpace(line) == p.readyLine {
			p.logger.Info("pipeline process ready")
			p.markReady()
		}
	}
}

func (p *Process) exit(err error) {
	p.exitErr = err
	close(p.done)
	if p.onExit != nil {
		p.onExit(p)
	}
	if err != nil {
		p.logger.Info("pipeline process exited", "err", err)
	} else {
		p.logger.Info("pipeline process exited")
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr is the result of waiting on the process. Only valid after Done is closed.
func (p *Process) ExitErr() error {
	return p.exitErr
}

// WaitReady blocks until readiness was announced. It fails when the process
// exits first, the ready timeout elapses, or ctx is done.
func (p *Process) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(p.readyTimeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		return nil
	default:
	}

	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return fmt.Errorf("%w before ready: %v", ErrExited, p.exitErr)
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrNotReady, p.readyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop sends the stop signal once. A process that already exited is not an error.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.logger.Info("stopping pipeline process", "signal", p.stopSignal)
		if err := p.cmd.Process.Signal(p.stopSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Error("error while signalling pipeline process", "err", err)
			p.stopErr = err
		}
	})
	return p.stopErr
}

// noopPipeline stands in for a disabled launcher.
type noopPipeline struct {
	done     chan struct{}
	stopOnce sync.Once
}

func newNoopPipeline() *noopPipeline {
	return &noopPipeline{done: make(chan struct{})}
}

func (n *noopPipeline) WaitReady(ctx context.Context) error { return nil }
func (n *noopPipeline) Done() <-chan struct{}               { return n.done }

func (n *noopPipeline) Stop() error {
	n.stopOnce.Do(func() { close(n.done) })
	return nil
}
