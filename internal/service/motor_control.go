package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/events"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
)

// MotorEngine is a motor engine bound to one serial port.
type MotorEngine interface {
	PortName() string
	Connect() error
	Disconnect()
	Close()
	IsConnected() bool
	RunSteps(ctx context.Context, n int) (domain.MotorResponse, error)
	RunFree(ctx context.Context) (domain.MotorResponse, error)
	Stop(ctx context.Context) (domain.MotorResponse, error)
	Subscribe() (<-chan domain.MotorResponse, func())
}

// MotorControl forwards commands to the engine of the selected port.
// ConnectPort swaps the engine; responses of the current engine are
// republished to subscribers.
type MotorControl struct {
	newEngine func(port string) MotorEngine
	log       journal.Source
	events    *events.Broadcaster[domain.MotorResponse]

	mu          sync.Mutex
	engine      MotorEngine
	unsubscribe func()
}

func NewMotorControl(newEngine func(port string) MotorEngine, j *journal.Journal) *MotorControl {
	c := &MotorControl{
		newEngine: newEngine,
		log:       j.For("motor"),
		events:    events.NewBroadcaster[domain.MotorResponse](events.DefaultBuffer),
	}
	c.events.OnDrop = func(r domain.MotorResponse) {
		c.log.Error("Dropped motor response %d/%d for slow subscriber", r.Command, r.ErrorCode)
	}
	return c
}

// ConnectPort selects port and opens it. A different previous port is
// closed first, which fails any command still waiting on it. The port stays
// selected when opening fails, so later commands retry the open.
func (c *MotorControl) ConnectPort(port string) error {
	if port == "" {
		return fmt.Errorf("%w: empty port name", domain.ErrInvalidParameter)
	}

	c.mu.Lock()
	if c.engine == nil || c.engine.PortName() != port {
		c.closeLocked()
		e := c.newEngine(port)
		ch, cancel := e.Subscribe()
		c.engine, c.unsubscribe = e, cancel
		go c.relay(e, ch)
		c.log.Info("Selected port %s", port)
	}
	e := c.engine
	c.mu.Unlock()

	return e.Connect()
}

func (c *MotorControl) closeLocked() {
	if c.engine == nil {
		return
	}
	c.unsubscribe()
	c.engine.Close()
	c.engine, c.unsubscribe = nil, nil
}

func (c *MotorControl) current() (MotorEngine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil, fmt.Errorf("%w: no motor port selected", domain.ErrNotConnected)
	}
	return c.engine, nil
}

func (c *MotorControl) PortName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return ""
	}
	return c.engine.PortName()
}

func (c *MotorControl) Connect() error {
	e, err := c.current()
	if err != nil {
		return err
	}
	return e.Connect()
}

func (c *MotorControl) Disconnect() {
	if e, err := c.current(); err == nil {
		e.Disconnect()
	}
}

func (c *MotorControl) IsConnected() bool {
	e, err := c.current()
	return err == nil && e.IsConnected()
}

func (c *MotorControl) RunSteps(ctx context.Context, n int) (domain.MotorResponse, error) {
	e, err := c.current()
	if err != nil {
		return domain.MotorResponse{}, err
	}
	return e.RunSteps(ctx, n)
}

func (c *MotorControl) RunFree(ctx context.Context) (domain.MotorResponse, error) {
	e, err := c.current()
	if err != nil {
		return domain.MotorResponse{}, err
	}
	return e.RunFree(ctx)
}

func (c *MotorControl) Stop(ctx context.Context) (domain.MotorResponse, error) {
	e, err := c.current()
	if err != nil {
		return domain.MotorResponse{}, err
	}
	return e.Stop(ctx)
}

func (c *MotorControl) Subscribe() (<-chan domain.MotorResponse, func()) {
	return c.events.Subscribe()
}

// Close closes the selected port and ends every subscription.
func (c *MotorControl) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
	c.events.Close()
}

func (c *MotorControl) relay(e MotorEngine, ch <-chan domain.MotorResponse) {
	for r := range ch {
		if c.isCurrent(e) {
			c.events.Publish(r)
		}
	}
}

func (c *MotorControl) isCurrent(e MotorEngine) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine == e
}
