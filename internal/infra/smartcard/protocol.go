package smartcard

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/device"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
	"github.com/ebfe/scard"
)

// Engine performs the fixed APDU exchanges for UID retrieval and 16-byte
// block access. All exchanges are serialized on one card handle.
type Engine struct {
	factory  ContextFactory
	registry *device.Registry
	log      journal.Source

	mu     sync.Mutex
	ctx    Context
	card   Card
	handle *device.Handle
	reader string
	lastSW StatusWord
}

func NewEngine(factory ContextFactory, registry *device.Registry, j *journal.Journal) *Engine {
	if registry == nil {
		registry = device.NewRegistry()
	}
	return &Engine{
		factory:  factory,
		registry: registry,
		log:      j.For("card"),
	}
}

// Connect opens shared access to the card in readerID, replacing any
// previous connection.
func (e *Engine) Connect(readerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectLocked(readerID)
}

func (e *Engine) connectLocked(readerID string) error {
	e.disconnectLocked()

	if err := e.establishLocked(); err != nil {
		return err
	}
	card, err := e.ctx.Connect(readerID, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if contextLost(err) {
		e.log.Error("connect %s: %v, re-establishing context", readerID, err)
		e.releaseContextLocked()
		if err := e.establishLocked(); err != nil {
			return err
		}
		card, err = e.ctx.Connect(readerID, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	}
	if err != nil {
		if contextLost(err) {
			e.releaseContextLocked()
		}
		e.log.Error("connect %s: %v", readerID, err)
		return fmt.Errorf("%w: %s: %v", domain.ErrConnect, readerID, err)
	}

	handle, err := e.registry.Claim("card:"+readerID, func() error {
		return card.Disconnect(scard.UnpowerCard)
	})
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}

	e.card = card
	e.handle = handle
	e.reader = readerID
	e.lastSW = 0
	return nil
}

func (e *Engine) establishLocked() error {
	if e.ctx != nil {
		return nil
	}
	ctx, err := e.factory.EstablishContext()
	if err != nil {
		e.lastSW = StatusNoContext
		e.log.Exception(err)
		if !errors.Is(err, domain.ErrContext) {
			err = fmt.Errorf("%w: %v", domain.ErrContext, err)
		}
		return err
	}
	e.ctx = ctx
	return nil
}

// releaseContextLocked drops a context the card service no longer honours,
// so the next call establishes a fresh one.
func (e *Engine) releaseContextLocked() {
	if e.ctx == nil {
		return
	}
	if err := e.ctx.Release(); err != nil {
		e.log.Error("release context: %v", err)
	}
	e.ctx = nil
}

// contextLost reports whether err means the PC/SC service restarted or went
// away, invalidating every handle obtained from the old context.
func contextLost(err error) bool {
	return errors.Is(err, scard.ErrServiceStopped) ||
		errors.Is(err, scard.ErrNoService) ||
		errors.Is(err, scard.ErrInvalidHandle)
}

// Disconnect unpowers the card. It is safe to call when not connected.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked()
}

func (e *Engine) disconnectLocked() {
	if e.handle != nil {
		if err := e.handle.Close(); err != nil {
			e.log.Exception(err)
		}
	}
	e.handle = nil
	e.card = nil
	e.reader = ""
}

// Close disconnects and releases the PC/SC context.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked()
	if e.ctx == nil {
		return nil
	}
	err := e.ctx.Release()
	e.ctx = nil
	return err
}

func (e *Engine) Reader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reader
}

// LastStatus returns the status word of the most recent exchange.
func (e *Engine) LastStatus() StatusWord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSW
}

// transmit sends cmd and returns the payload without the status word.
func (e *Engine) transmit(op string, cmd []byte) ([]byte, error) {
	if e.card == nil {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrNotConnected)
	}

	rsp, err := e.card.Transmit(cmd)
	if err != nil {
		e.lastSW = StatusUnknown
		e.log.Exception(fmt.Errorf("%s: %w", op, err))
		if contextLost(err) {
			e.disconnectLocked()
			e.releaseContextLocked()
		}
		return nil, fmt.Errorf("%s: %w: %v", op, domain.ErrTransmit, err)
	}

	sw := ParseStatusWord(rsp)
	e.lastSW = sw
	if !sw.OK() {
		e.log.Error("%s: %s (%s)", op, sw, sw.Text())
		return nil, &domain.StatusError{Op: op, SW: int(sw)}
	}
	return rsp[:len(rsp)-2], nil
}

// UID reads the card identifier: the first 4 bytes of the GET DATA
// response, lower-case hex.
func (e *Engine) UID() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uidLocked()
}

func (e *Engine) uidLocked() (string, error) {
	data, err := e.transmit("get uid", getUIDCommand())
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("get uid: empty response")
	}
	if len(data) > 4 {
		data = data[:4]
	}
	return hex.EncodeToString(data), nil
}

// ReadUID connects to readerID and reads the card identifier.
func (e *Engine) ReadUID(readerID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(readerID); err != nil {
		return "", err
	}
	return e.uidLocked()
}

func (e *Engine) Authenticate(block, keyType, keySlot byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authenticateLocked(block, keyType, keySlot)
}

func (e *Engine) authenticateLocked(block, keyType, keySlot byte) error {
	_, err := e.transmit(fmt.Sprintf("authenticate block %d", block), authenticateCommand(block, keyType, keySlot))
	return err
}

// ReadBlock reads one block. The sector must already be authenticated.
func (e *Engine) ReadBlock(block byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readBlockLocked(block)
}

func (e *Engine) readBlockLocked(block byte) ([]byte, error) {
	data, err := e.transmit(fmt.Sprintf("read block %d", block), readBlockCommand(block))
	if err != nil {
		return nil, err
	}
	if len(data) != BlockSize {
		e.log.Error("read block %d: got %d bytes", block, len(data))
	}
	return data, nil
}

// ReadCardBlock authenticates block and then reads it.
func (e *Engine) ReadCardBlock(block, keyType, keySlot byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.authenticateLocked(block, keyType, keySlot); err != nil {
		return nil, err
	}
	return e.readBlockLocked(block)
}

// WriteBlock authenticates block and writes data to it.
func (e *Engine) WriteBlock(data []byte, block, keyType, keySlot byte) error {
	if len(data) == 0 || len(data) > 0xFF {
		return fmt.Errorf("write block %d: %w: data length %d", block, domain.ErrInvalidParameter, len(data))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.authenticateLocked(block, keyType, keySlot); err != nil {
		return err
	}
	_, err := e.transmit(fmt.Sprintf("write block %d", block), writeBlockCommand(block, data))
	if err == nil {
		e.log.Info("Wrote %d bytes to block %d", len(data), block)
	}
	return err
}

// StoreKey loads a 6-byte key into the reader's key slot.
func (e *Engine) StoreKey(key []byte, keySlot byte) error {
	if len(key) != KeyLength {
		return fmt.Errorf("store key: %w: got %d", domain.ErrInvalidKeyLength, len(key))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.transmit(fmt.Sprintf("store key slot %d", keySlot), storeKeyCommand(key, keySlot))
	return err
}
