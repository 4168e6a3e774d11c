package service

import (
	"context"
	"sync"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/events"
)

type fakeMonitor struct {
	mu       sync.Mutex
	reader   string
	state    domain.MonitorState
	startErr error
	stops    int
	done     chan struct{}
	events   *events.Broadcaster[domain.CardEvent]
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		state:  domain.MonitorUnwatched,
		done:   make(chan struct{}),
		events: events.NewBroadcaster[domain.CardEvent](events.DefaultBuffer),
	}
}

func (m *fakeMonitor) Start(readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.reader = readerID
	m.state = domain.MonitorWatching
	return nil
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.state != domain.MonitorStopped {
		m.state = domain.MonitorStopped
		close(m.done)
	}
}

func (m *fakeMonitor) State() domain.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMonitor) Status() domain.ReaderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ReaderStatus{Reader: m.reader, CurrentFlags: domain.FlagEmpty}
}

func (m *fakeMonitor) Subscribe() (<-chan domain.CardEvent, func()) {
	return m.events.Subscribe()
}

func (m *fakeMonitor) Done() <-chan struct{} {
	return m.done
}

func (m *fakeMonitor) emit(t domain.CardEventType) {
	m.events.Publish(domain.CardEvent{Type: t, Reader: m.Status().Reader})
}

func (m *fakeMonitor) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// monitorQueue hands out prepared monitors in order.
type monitorQueue struct {
	mu       sync.Mutex
	monitors []*fakeMonitor
	made     int
}

func (q *monitorQueue) next() Monitor {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.monitors[q.made]
	q.made++
	return m
}

type fakeEngine struct {
	mu         sync.Mutex
	port       string
	connected  bool
	connectErr error
	closed     bool
	calls      []string
	stopErrs   []error
	events     *events.Broadcaster[domain.MotorResponse]
}

func newFakeEngine(port string) *fakeEngine {
	return &fakeEngine{
		port:   port,
		events: events.NewBroadcaster[domain.MotorResponse](events.DefaultBuffer),
	}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) PortName() string { return e.port }

func (e *fakeEngine) Connect() error {
	e.record("connect")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectErr != nil {
		return e.connectErr
	}
	e.connected = true
	return nil
}

func (e *fakeEngine) Disconnect() {
	e.record("disconnect")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
}

func (e *fakeEngine) Close() {
	e.record("close")
	e.mu.Lock()
	e.connected = false
	e.closed = true
	e.mu.Unlock()
	e.events.Close()
}

func (e *fakeEngine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEngine) RunSteps(_ context.Context, n int) (domain.MotorResponse, error) {
	e.record("steps")
	return domain.MotorResponse{Command: domain.CmdRunSteps, ErrorCode: byte(n)}, nil
}

func (e *fakeEngine) RunFree(context.Context) (domain.MotorResponse, error) {
	e.record("free")
	return domain.MotorResponse{Command: domain.CmdRunFree}, nil
}

// Stop returns the queued errors first, then succeeds.
func (e *fakeEngine) Stop(context.Context) (domain.MotorResponse, error) {
	e.record("stop")
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stopErrs) > 0 {
		err := e.stopErrs[0]
		e.stopErrs = e.stopErrs[1:]
		return domain.MotorResponse{}, err
	}
	return domain.MotorResponse{Command: domain.CmdStop}, nil
}

func (e *fakeEngine) Subscribe() (<-chan domain.MotorResponse, func()) {
	return e.events.Subscribe()
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
