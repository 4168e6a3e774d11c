// Package service keeps track of which reader is watched and which serial
// port drives the motor, and lets both be changed while the process runs.
package service

import (
	"fmt"
	"sync"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/events"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
)

// Monitor is a single-use card presence monitor.
type Monitor interface {
	domain.CardMonitorService
	Done() <-chan struct{}
}

// CardWatch owns the monitor of the selected reader. Start replaces it with
// a fresh monitor; subscribers keep receiving the events of whichever
// monitor is current.
type CardWatch struct {
	newMonitor func() Monitor
	log        journal.Source
	events     *events.Broadcaster[domain.CardEvent]

	mu          sync.Mutex
	current     Monitor
	unsubscribe func()
}

func NewCardWatch(newMonitor func() Monitor, j *journal.Journal) *CardWatch {
	w := &CardWatch{
		newMonitor: newMonitor,
		log:        j.For("card"),
		events:     events.NewBroadcaster[domain.CardEvent](events.DefaultBuffer),
	}
	w.events.OnDrop = func(ev domain.CardEvent) {
		w.log.Error("Dropped %s event for slow subscriber", ev.Type)
	}
	return w
}

// Start stops watching the current reader, if any, and starts watching
// readerID. It also restarts a monitor that ended after the card service
// stopped.
func (w *CardWatch) Start(readerID string) error {
	if readerID == "" {
		return fmt.Errorf("%w: empty reader name", domain.ErrInvalidParameter)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()

	m := w.newMonitor()
	ch, cancel := m.Subscribe()
	if err := m.Start(readerID); err != nil {
		cancel()
		return err
	}
	w.current, w.unsubscribe = m, cancel
	go w.relay(m, ch)

	w.log.Info("Selected reader %s", readerID)
	return nil
}

// Stop stops the current monitor and waits for its loop to release the
// reader.
func (w *CardWatch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *CardWatch) stopLocked() {
	if w.current == nil {
		return
	}
	m := w.current
	m.Stop()
	w.unsubscribe()
	<-m.Done()
	w.current, w.unsubscribe = nil, nil
}

func (w *CardWatch) State() domain.MonitorState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return domain.MonitorUnwatched
	}
	return w.current.State()
}

func (w *CardWatch) Status() domain.ReaderStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return domain.ReaderStatus{}
	}
	return w.current.Status()
}

func (w *CardWatch) Subscribe() (<-chan domain.CardEvent, func()) {
	return w.events.Subscribe()
}

// Close stops watching and ends every subscription.
func (w *CardWatch) Close() {
	w.Stop()
	w.events.Close()
}

// relay forwards events of m until its subscription is cancelled. Events
// still buffered from a replaced monitor are discarded.
func (w *CardWatch) relay(m Monitor, ch <-chan domain.CardEvent) {
	for ev := range ch {
		if w.isCurrent(m) {
			w.events.Publish(ev)
		}
	}
}

func (w *CardWatch) isCurrent(m Monitor) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current == m
}
