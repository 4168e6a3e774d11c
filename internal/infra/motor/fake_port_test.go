package motor

import (
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

var errPortClosed = errors.New("port closed")

// fakePort feeds scripted bytes to the receive pump. respond, when set, is
// called for every written byte and its result is queued for reading.
type fakePort struct {
	mu          sync.Mutex
	incoming    chan []byte
	written     []byte
	closed      chan struct{}
	closeOnce   sync.Once
	readTimeout time.Duration
	writeErr    error
	readErr     error
	resets      int
	respond     func(b byte) []byte
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming:    make(chan []byte, 16),
		closed:      make(chan struct{}),
		readTimeout: 10 * time.Millisecond,
	}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	readErr := p.readErr
	timeout := p.readTimeout
	p.mu.Unlock()
	if readErr != nil {
		return 0, readErr
	}

	select {
	case <-p.closed:
		return 0, errPortClosed
	case data := <-p.incoming:
		return copy(buf, data), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		p.mu.Unlock()
		return 0, p.writeErr
	}
	p.written = append(p.written, b...)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		for _, c := range b {
			if out := respond(c); out != nil {
				p.incoming <- out
			}
		}
	}
	return len(b), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// fakeOpener hands out ports in order and records the requested mode.
type fakeOpener struct {
	mu    sync.Mutex
	ports []*fakePort
	opens int
	mode  *serial.Mode
	err   error
}

func (o *fakeOpener) open(name string, mode *serial.Mode) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	o.mode = mode
	if o.opens >= len(o.ports) {
		return nil, errors.New("no more fake ports")
	}
	p := o.ports[o.opens]
	o.opens++
	return p, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// echoAck acknowledges every command with a zero error code.
func echoAck(b byte) []byte {
	return []byte{b & 0xC0}
}

// failReads makes every later Read return err.
func (p *fakePort) failReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}
