package smartcard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/events"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/device"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
	"github.com/ebfe/scard"
)

const DefaultPollInterval = 1000 * time.Millisecond

// UIDReader connects to a reader and returns the identifier of its card.
type UIDReader interface {
	ReadUID(readerID string) (string, error)
}

// Monitor watches one reader and turns status-flag transitions into
// inserted/ejected/disconnected events.
type Monitor struct {
	factory  ContextFactory
	uids     UIDReader
	registry *device.Registry
	log      journal.Source
	events   *events.Broadcaster[domain.CardEvent]

	PollInterval time.Duration

	mu     sync.Mutex
	state  domain.MonitorState
	status domain.ReaderStatus
	pcsc   Context
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func NewMonitor(factory ContextFactory, uids UIDReader, registry *device.Registry, j *journal.Journal) *Monitor {
	if registry == nil {
		registry = device.NewRegistry()
	}
	m := &Monitor{
		factory:      factory,
		uids:         uids,
		registry:     registry,
		log:          j.For("reader"),
		events:       events.NewBroadcaster[domain.CardEvent](events.DefaultBuffer),
		PollInterval: DefaultPollInterval,
		state:        domain.MonitorUnwatched,
		done:         make(chan struct{}),
		now:          time.Now,
	}
	m.events.OnDrop = func(ev domain.CardEvent) {
		m.log.Error("Dropped %s event for slow subscriber", ev.Type)
	}
	return m
}

// Start begins watching readerID and returns immediately.
func (m *Monitor) Start(readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case domain.MonitorWatching:
		return fmt.Errorf("already monitoring %s", m.status.Reader)
	case domain.MonitorStopped:
		return fmt.Errorf("monitor for %s is stopped", m.status.Reader)
	}

	pcsc, err := m.factory.EstablishContext()
	if err != nil {
		m.log.Exception(err)
		if !errors.Is(err, domain.ErrContext) {
			err = fmt.Errorf("%w: %v", domain.ErrContext, err)
		}
		return err
	}

	handle, err := m.registry.Claim("watch:"+readerID, pcsc.Release)
	if err != nil {
		_ = pcsc.Release()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.pcsc = pcsc
	m.cancel = cancel
	m.status = domain.ReaderStatus{Reader: readerID, CurrentFlags: domain.FlagEmpty}
	m.state = domain.MonitorWatching

	m.log.Info("Watching reader %s", readerID)
	go m.monitorLoop(ctx, pcsc, handle, readerID)
	return nil
}

// Stop requests the polling loop to end without waiting for it. The loop
// notices within one poll interval. Stopping twice is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.MonitorWatching {
		if m.state == domain.MonitorUnwatched {
			m.state = domain.MonitorStopped
			close(m.done)
		}
		return
	}
	m.state = domain.MonitorStopped
	// The loop releases the context once it sees ctx done, so the blocking
	// wait has to be cancelled first.
	if err := m.pcsc.Cancel(); err != nil {
		m.log.Error("cancel status wait: %v", err)
	}
	m.cancel()
	m.log.Info("Stopped watching reader %s", m.status.Reader)
}

func (m *Monitor) State() domain.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Status() domain.ReaderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.Atr = append([]byte(nil), m.status.Atr...)
	return s
}

func (m *Monitor) Subscribe() (<-chan domain.CardEvent, func()) {
	return m.events.Subscribe()
}

// Done is closed once the polling loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) monitorLoop(ctx context.Context, pcsc Context, handle *device.Handle, readerID string) {
	defer close(m.done)
	defer func() {
		if err := handle.Close(); err != nil {
			m.log.Exception(err)
		}
	}()

	states := []scard.ReaderState{{
		Reader:       readerID,
		CurrentState: scard.StateFlag(domain.FlagEmpty),
	}}

	for {
		if ctx.Err() != nil {
			return
		}

		err := pcsc.GetStatusChange(states, m.PollInterval)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
		case errors.Is(err, scard.ErrServiceStopped):
			m.mu.Lock()
			m.state = domain.MonitorStopped
			m.mu.Unlock()
			m.log.Error("Card service stopped")
			m.publish(domain.CardEvent{Type: domain.ReaderDisconnected, Reader: readerID})
			return
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			return
		default:
			m.log.Error("get status change: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.PollInterval):
			}
			continue
		}

		kind, ok := m.observe(uint32(states[0].EventState), states[0].Atr)
		states[0].CurrentState = scard.StateFlag(m.Status().CurrentFlags)
		if !ok {
			continue
		}

		ev := domain.CardEvent{Type: kind, Reader: readerID, Atr: append([]byte(nil), states[0].Atr...)}
		if kind == domain.CardInserted && m.uids != nil {
			uid, err := m.uids.ReadUID(readerID)
			if err != nil {
				m.log.Error("Card inserted but UID unavailable: %v", err)
			} else {
				ev.UID = uid
			}
		}
		if ctx.Err() != nil {
			return
		}
		m.publish(ev)
	}
}

// observe applies one poll result to the reader status and reports the edge,
// if any. CurrentFlags is only updated when the CHANGED bit is set.
func (m *Monitor) observe(eventFlags uint32, atr []byte) (domain.CardEventType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.EventFlags = eventFlags
	if eventFlags&domain.FlagChanged == 0 {
		return "", false
	}

	kind, ok := detectEdge(m.status.CurrentFlags, eventFlags)
	m.status.CurrentFlags = eventFlags
	m.status.Atr = append(m.status.Atr[:0], atr...)
	return kind, ok
}

// detectEdge compares the observed flags with the previous ones. Only one
// edge is reported; PRESENT wins over EMPTY. Nothing is reported while the
// previous flags are zero.
func detectEdge(current, event uint32) (domain.CardEventType, bool) {
	if event&domain.FlagChanged == 0 {
		return "", false
	}

	var kind domain.CardEventType
	switch {
	case event&domain.FlagPresent != 0 && current&domain.FlagPresent == 0:
		kind = domain.CardInserted
	case event&domain.FlagEmpty != 0 && current&domain.FlagEmpty == 0:
		kind = domain.CardEjected
	default:
		return "", false
	}

	if current == 0 {
		return "", false
	}
	return kind, true
}

func (m *Monitor) publish(ev domain.CardEvent) {
	ev.Time = m.now()
	switch ev.Type {
	case domain.CardInserted:
		m.log.Info("Card inserted in %s, uid %q", ev.Reader, ev.UID)
	case domain.CardEjected:
		m.log.Info("Card ejected from %s", ev.Reader)
	case domain.ReaderDisconnected:
		m.log.Info("Reader %s disconnected", ev.Reader)
	}
	m.events.Publish(ev)
}
