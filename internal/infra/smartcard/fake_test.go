package smartcard

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// pollStep is one scripted GetStatusChange result.
type pollStep struct {
	event uint32
	atr   []byte
	err   error
}

type fakeContext struct {
	mu        sync.Mutex
	steps     []pollStep
	polls     int
	cancelled chan struct{}
	released  bool
	readers   []string
	listErr   error
	card      *fakeCard
	connErr   error
	connects  int
}

func newFakeContext(steps ...pollStep) *fakeContext {
	return &fakeContext{
		steps:     steps,
		cancelled: make(chan struct{}),
		card:      newFakeCard(),
	}
}

func (c *fakeContext) ListReaders() ([]string, error) {
	return c.readers, c.listErr
}

// GetStatusChange replays scripted steps; once they run out it blocks until
// the timeout or Cancel, like an idle reader.
func (c *fakeContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	c.mu.Lock()
	c.polls++
	if len(c.steps) > 0 {
		step := c.steps[0]
		c.steps = c.steps[1:]
		c.mu.Unlock()
		if step.err != nil {
			return step.err
		}
		states[0].EventState = scard.StateFlag(step.event)
		states[0].Atr = step.atr
		return nil
	}
	c.mu.Unlock()

	select {
	case <-c.cancelled:
		return scard.ErrCancelled
	case <-time.After(timeout):
		return scard.ErrTimeout
	}
}

func (c *fakeContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connErr != nil {
		return nil, c.connErr
	}
	return c.card, nil
}

func (c *fakeContext) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return scard.ErrInvalidHandle
	}
	select {
	case <-c.cancelled:
	default:
		close(c.cancelled)
	}
	return nil
}

func (c *fakeContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	return nil
}

func (c *fakeContext) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *fakeContext) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// fakeFactory hands out the queued contexts in order, then ctx.
type fakeFactory struct {
	mu          sync.Mutex
	ctx         *fakeContext
	queue       []*fakeContext
	err         error
	established int
}

func (f *fakeFactory) EstablishContext() (Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.established++
	if len(f.queue) > 0 {
		c := f.queue[0]
		f.queue = f.queue[1:]
		return c, nil
	}
	return f.ctx, nil
}

// fakeCard answers APDUs from a table keyed by the hex command.
type fakeCard struct {
	mu           sync.Mutex
	responses    map[string][]byte
	transmitErr  error
	sent         [][]byte
	disconnected []scard.Disposition
}

func newFakeCard() *fakeCard {
	return &fakeCard{responses: make(map[string][]byte)}
}

func (c *fakeCard) on(cmd []byte, rsp ...byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[hex.EncodeToString(cmd)] = rsp
}

func (c *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), cmd...))
	if c.transmitErr != nil {
		return nil, c.transmitErr
	}
	rsp, ok := c.responses[hex.EncodeToString(cmd)]
	if !ok {
		return []byte{0x6A, 0x81}, nil
	}
	return rsp, nil
}

func (c *fakeCard) Disconnect(d scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = append(c.disconnected, d)
	return nil
}

func (c *fakeCard) sentCommands() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

var errReaderGone = errors.New("reader gone")
