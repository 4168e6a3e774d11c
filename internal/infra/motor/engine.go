package motor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/events"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/device"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultReadTimeout = 100 * time.Millisecond
)

type Config struct {
	PortName    string
	BaudRate    int
	Timeout     time.Duration
	ReadTimeout time.Duration
}

// Engine drives the motor controller. Only one command may be in flight;
// a concurrent caller gets domain.ErrBusy.
type Engine struct {
	cfg      Config
	open     Opener
	registry *device.Registry
	log      journal.Source
	events   *events.Broadcaster[domain.MotorResponse]

	busy sync.Mutex

	mu       sync.Mutex
	port     Port
	handle   *device.Handle
	pending  *pendingCommand
	pumpDone chan struct{}
}

// pendingCommand is the command awaiting its response byte. Whoever takes it
// out of Engine.pending either delivers a response or aborts it.
type pendingCommand struct {
	resp    chan domain.MotorResponse
	aborted chan struct{}
	err     error
}

func newPendingCommand() *pendingCommand {
	return &pendingCommand{
		resp:    make(chan domain.MotorResponse, 1),
		aborted: make(chan struct{}),
	}
}

func (p *pendingCommand) abort(err error) {
	p.err = err
	close(p.aborted)
}

func NewEngine(cfg Config, open Opener, registry *device.Registry, j *journal.Journal) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if open == nil {
		open = OpenSerial
	}
	if registry == nil {
		registry = device.NewRegistry()
	}
	e := &Engine{
		cfg:      cfg,
		open:     open,
		registry: registry,
		log:      j.For("motor"),
		events:   events.NewBroadcaster[domain.MotorResponse](events.DefaultBuffer),
	}
	e.events.OnDrop = func(r domain.MotorResponse) {
		e.log.Error("Dropped motor response %d/%d for slow subscriber", r.Command, r.ErrorCode)
	}
	return e
}

func (e *Engine) PortName() string {
	return e.cfg.PortName
}

func (e *Engine) Subscribe() (<-chan domain.MotorResponse, func()) {
	return e.events.Subscribe()
}

func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port != nil
}

// Connect opens the serial line and starts the receive pump. It is a no-op
// when already connected.
func (e *Engine) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectLocked()
}

func (e *Engine) connectLocked() error {
	if e.port != nil {
		return nil
	}
	if e.cfg.PortName == "" {
		return fmt.Errorf("%w: no serial port configured", domain.ErrConnect)
	}

	port, err := e.open(e.cfg.PortName, DefaultMode(e.cfg.BaudRate))
	if err != nil {
		e.log.Exception(err)
		return fmt.Errorf("%w: %s: %v", domain.ErrConnect, e.cfg.PortName, err)
	}
	handle, err := e.registry.Claim(e.cfg.PortName, port.Close)
	if err != nil {
		_ = port.Close()
		e.log.Exception(err)
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}
	if err := port.SetReadTimeout(e.cfg.ReadTimeout); err != nil {
		_ = handle.Close()
		e.log.Exception(err)
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}

	e.port = port
	e.handle = handle
	e.pumpDone = make(chan struct{})
	go e.receivePump(port, e.pumpDone)

	e.log.Info("Connected")
	return nil
}

// Disconnect discards buffered input and closes the line. Safe to call when
// not connected.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	port, handle, done, pending := e.port, e.handle, e.pumpDone, e.pending
	e.port, e.handle, e.pumpDone, e.pending = nil, nil, nil, nil
	e.mu.Unlock()

	if pending != nil {
		pending.abort(fmt.Errorf("%w: %s closed", domain.ErrNotConnected, e.cfg.PortName))
	}
	if port != nil {
		if err := port.ResetInputBuffer(); err != nil {
			e.log.Exception(err)
		}
		if err := handle.Close(); err != nil {
			e.log.Exception(err)
		}
		<-done
	}
	e.log.Info("Disconnected")
}

// Close disconnects and ends every subscription.
func (e *Engine) Close() {
	e.Disconnect()
	e.events.Close()
}

// RunSteps moves the motor by n steps (0-63).
func (e *Engine) RunSteps(ctx context.Context, n int) (domain.MotorResponse, error) {
	return e.send(ctx, domain.CmdRunSteps, n)
}

// RunFree runs the motor until Stop or the firmware's own limit.
func (e *Engine) RunFree(ctx context.Context) (domain.MotorResponse, error) {
	return e.send(ctx, domain.CmdRunFree, 0)
}

func (e *Engine) Stop(ctx context.Context) (domain.MotorResponse, error) {
	return e.send(ctx, domain.CmdStop, 0)
}

func (e *Engine) send(ctx context.Context, cmd domain.MotorCommand, param int) (domain.MotorResponse, error) {
	b, err := Encode(cmd, param)
	if err != nil {
		e.log.Error("Rejected %s with %d: %v", cmd, param, err)
		return domain.MotorResponse{}, err
	}

	if !e.busy.TryLock() {
		return domain.MotorResponse{}, domain.ErrBusy
	}
	defer e.busy.Unlock()

	p := newPendingCommand()

	e.mu.Lock()
	if err := e.connectLocked(); err != nil {
		e.mu.Unlock()
		return domain.MotorResponse{}, err
	}
	port := e.port
	e.pending = p
	e.mu.Unlock()
	defer e.clearPending(p)

	if cmd == domain.CmdRunSteps {
		e.log.Info("Sending: %s with %d", cmd, param)
	} else {
		e.log.Info("Sending: %s", cmd)
	}
	if _, err := port.Write([]byte{b}); err != nil {
		e.log.Exception(err)
		return domain.MotorResponse{}, fmt.Errorf("%w: write %s: %v", domain.ErrTransmit, e.cfg.PortName, err)
	}

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-p.resp:
		return resp, nil
	case <-p.aborted:
		e.log.Error("%s abandoned: %v", cmd, p.err)
		return domain.MotorResponse{}, fmt.Errorf("%s: %w", cmd, p.err)
	case <-timer.C:
		e.log.Error("No response to %s within %s", cmd, e.cfg.Timeout)
		return domain.MotorResponse{}, fmt.Errorf("%s: %w", cmd, domain.ErrTimeout)
	case <-ctx.Done():
		return domain.MotorResponse{}, ctx.Err()
	}
}

func (e *Engine) clearPending(p *pendingCommand) {
	e.mu.Lock()
	if e.pending == p {
		e.pending = nil
	}
	e.mu.Unlock()
}

// receivePump drains the line until it is closed. Each byte is one
// response; the first completes the waiting command, if any.
func (e *Engine) receivePump(port Port, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 64)

	for {
		n, err := port.Read(buf)
		if err != nil {
			if e.isCurrent(port) {
				e.log.Exception(fmt.Errorf("read %s: %w", e.cfg.PortName, err))
				e.dropPort(port)
			}
			return
		}
		if n == 0 {
			if !e.isCurrent(port) {
				return
			}
			continue
		}
		for _, b := range buf[:n] {
			e.handleByte(b)
		}
	}
}

func (e *Engine) handleByte(b byte) {
	resp := Decode(b)
	status := "Success"
	if !resp.OK() {
		status = "Fail"
	}
	e.log.Info("Receiving: command (%d), code (%d) %s", resp.Command, resp.ErrorCode, status)

	e.mu.Lock()
	p := e.pending
	e.pending = nil
	e.mu.Unlock()

	if p != nil {
		p.resp <- resp
	}
	e.events.Publish(resp)
}

func (e *Engine) isCurrent(port Port) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port == port
}

// dropPort forgets a failed line so the next command reopens it. A command
// still waiting on that line fails immediately.
func (e *Engine) dropPort(port Port) {
	e.mu.Lock()
	if e.port != port {
		e.mu.Unlock()
		return
	}
	handle, pending := e.handle, e.pending
	e.port, e.handle, e.pumpDone, e.pending = nil, nil, nil, nil
	e.mu.Unlock()

	if pending != nil {
		pending.abort(fmt.Errorf("%w: %s lost", domain.ErrTransmit, e.cfg.PortName))
	}
	_ = handle.Close()
}
