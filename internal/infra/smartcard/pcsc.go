package smartcard

import (
	"fmt"
	"time"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/ebfe/scard"
)

// Context is the subset of a PC/SC context used by the monitor and engine.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error)
	Cancel() error
	Release() error
}

// Card is a connected card. Transmit is not reentrant.
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

type ContextFactory interface {
	EstablishContext() (Context, error)
}

// PCSCFactory establishes real PC/SC contexts.
type PCSCFactory struct{}

func (PCSCFactory) EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrContext, err)
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *pcscContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	return c.ctx.GetStatusChange(states, timeout)
}

func (c *pcscContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	card, err := c.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (c *pcscContext) Cancel() error {
	return c.ctx.Cancel()
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

// ListReaders returns the reader names known to the card service. An empty
// list with a nil error means the service is up but nothing is attached.
func ListReaders(factory ContextFactory) ([]string, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, err
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		if err == scard.ErrNoReadersAvailable {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list readers: %w", err)
	}
	return readers, nil
}
