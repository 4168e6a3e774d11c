package smartcard

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/device"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReader = "ACS ACR122U PICC Interface"

func newTestEngine(t *testing.T) (*Engine, *fakeContext) {
	t.Helper()
	j := journal.New(100)
	j.SetMirror(false)
	ctx := newFakeContext()
	e := NewEngine(&fakeFactory{ctx: ctx}, device.NewRegistry(), j)
	return e, ctx
}

func TestEngine_UID(t *testing.T) {
	e, ctx := newTestEngine(t)
	ctx.card.on(getUIDCommand(), 0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x90, 0x00)

	uid, err := e.ReadUID(testReader)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", uid)
	assert.Equal(t, SWSuccess, e.LastStatus())
	assert.Equal(t, testReader, e.Reader())
}

func TestEngine_UIDFailureIsAbsent(t *testing.T) {
	e, ctx := newTestEngine(t)
	ctx.card.on(getUIDCommand(), 0x63, 0x00)

	uid, err := e.ReadUID(testReader)
	assert.Empty(t, uid)
	assert.ErrorIs(t, err, domain.ErrStatusFailure)

	var se *domain.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 0x6300, se.SW)
}

func TestEngine_UIDTransmitError(t *testing.T) {
	e, ctx := newTestEngine(t)
	ctx.card.transmitErr = errReaderGone
	require.NoError(t, e.Connect(testReader))

	uid, err := e.UID()
	assert.Empty(t, uid)
	assert.ErrorIs(t, err, domain.ErrTransmit)
	assert.Equal(t, StatusUnknown, e.LastStatus())
}

func TestEngine_ShortResponseIsUnknown(t *testing.T) {
	e, ctx := newTestEngine(t)
	ctx.card.on(getUIDCommand(), 0x90)
	require.NoError(t, e.Connect(testReader))

	_, err := e.UID()
	assert.ErrorIs(t, err, domain.ErrStatusFailure)
	assert.Equal(t, StatusUnknown, e.LastStatus())
}

func TestEngine_ConnectErrors(t *testing.T) {
	t.Run("no context", func(t *testing.T) {
		e := NewEngine(&fakeFactory{err: errors.New("no service")}, nil, nil)
		err := e.Connect(testReader)
		assert.ErrorIs(t, err, domain.ErrContext)
		assert.Equal(t, StatusNoContext, e.LastStatus())
	})

	t.Run("no card", func(t *testing.T) {
		e, ctx := newTestEngine(t)
		ctx.connErr = scard.ErrNoSmartcard
		assert.ErrorIs(t, e.Connect(testReader), domain.ErrConnect)
	})

	t.Run("not connected", func(t *testing.T) {
		e, _ := newTestEngine(t)
		_, err := e.UID()
		assert.ErrorIs(t, err, domain.ErrNotConnected)
	})
}

func TestEngine_ReconnectReleasesPreviousHandle(t *testing.T) {
	e, ctx := newTestEngine(t)
	require.NoError(t, e.Connect(testReader))
	require.NoError(t, e.Connect(testReader))

	assert.Equal(t, 2, ctx.connects)
	assert.Equal(t, []scard.Disposition{scard.UnpowerCard}, ctx.card.disconnected)

	e.Disconnect()
	e.Disconnect()
	assert.Len(t, ctx.card.disconnected, 2)
	require.NoError(t, e.Close())
	assert.True(t, ctx.released)
}

func TestEngine_ReestablishesLostContext(t *testing.T) {
	uid := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x90, 0x00}

	t.Run("service restarted before connect", func(t *testing.T) {
		stale, fresh := newFakeContext(), newFakeContext()
		stale.connErr = scard.ErrServiceStopped
		fresh.card.on(getUIDCommand(), uid...)
		factory := &fakeFactory{queue: []*fakeContext{stale, fresh}}
		e := NewEngine(factory, nil, nil)

		got, err := e.ReadUID(testReader)
		require.NoError(t, err)
		assert.Equal(t, "deadbeef", got)
		assert.True(t, stale.isReleased())
		assert.Equal(t, 2, factory.established)
	})

	t.Run("service still down", func(t *testing.T) {
		first, second, fresh := newFakeContext(), newFakeContext(), newFakeContext()
		first.connErr = scard.ErrServiceStopped
		second.connErr = scard.ErrNoService
		fresh.card.on(getUIDCommand(), uid...)
		factory := &fakeFactory{queue: []*fakeContext{first, second, fresh}}
		e := NewEngine(factory, nil, nil)

		_, err := e.ReadUID(testReader)
		assert.ErrorIs(t, err, domain.ErrConnect)
		assert.True(t, first.isReleased())
		assert.True(t, second.isReleased())

		got, err := e.ReadUID(testReader)
		require.NoError(t, err)
		assert.Equal(t, "deadbeef", got)
		assert.Equal(t, 3, factory.established)
	})

	t.Run("handle invalidated during transmit", func(t *testing.T) {
		stale, fresh := newFakeContext(), newFakeContext()
		stale.card.transmitErr = scard.ErrInvalidHandle
		fresh.card.on(getUIDCommand(), uid...)
		factory := &fakeFactory{queue: []*fakeContext{stale, fresh}}
		e := NewEngine(factory, nil, nil)

		_, err := e.ReadUID(testReader)
		assert.ErrorIs(t, err, domain.ErrTransmit)
		assert.True(t, stale.isReleased())
		assert.Empty(t, e.Reader())

		got, err := e.ReadUID(testReader)
		require.NoError(t, err)
		assert.Equal(t, "deadbeef", got)
	})

	t.Run("ordinary connect failure keeps context", func(t *testing.T) {
		e, ctx := newTestEngine(t)
		ctx.connErr = scard.ErrNoSmartcard
		assert.ErrorIs(t, e.Connect(testReader), domain.ErrConnect)
		assert.False(t, ctx.isReleased())
	})
}

func TestEngine_ReadCardBlock(t *testing.T) {
	e, ctx := newTestEngine(t)
	block := bytes.Repeat([]byte{0x42}, BlockSize)
	ctx.card.on(authenticateCommand(4, KeyTypeA, KeySlot0), 0x90, 0x00)
	ctx.card.on(readBlockCommand(4), append(append([]byte(nil), block...), 0x90, 0x00)...)
	require.NoError(t, e.Connect(testReader))

	data, err := e.ReadCardBlock(4, KeyTypeA, KeySlot0)
	require.NoError(t, err)
	assert.Equal(t, block, data)

	sent := ctx.card.sentCommands()
	require.Len(t, sent, 2)
	assert.Equal(t, authenticateCommand(4, KeyTypeA, KeySlot0), sent[0])
	assert.Equal(t, readBlockCommand(4), sent[1])
}

func TestEngine_ReadCardBlockAuthFailure(t *testing.T) {
	e, ctx := newTestEngine(t)
	ctx.card.on(authenticateCommand(4, KeyTypeA, KeySlot0), 0x63, 0x00)
	require.NoError(t, e.Connect(testReader))

	data, err := e.ReadCardBlock(4, KeyTypeA, KeySlot0)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, domain.ErrStatusFailure)
	assert.Len(t, ctx.card.sentCommands(), 1, "read must not be sent after failed authentication")
}

func TestEngine_ReadBlockFailure(t *testing.T) {
	e, ctx := newTestEngine(t)
	require.NoError(t, e.Connect(testReader))

	data, err := e.ReadBlock(9)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, domain.ErrStatusFailure)
	assert.Equal(t, SWNotSupported, e.LastStatus())
}

func TestEngine_WriteBlock(t *testing.T) {
	e, ctx := newTestEngine(t)
	data := []byte("hello, block 06!")
	ctx.card.on(authenticateCommand(6, KeyTypeB, KeySlot1), 0x90, 0x00)
	ctx.card.on(writeBlockCommand(6, data), 0x90, 0x00)
	require.NoError(t, e.Connect(testReader))

	require.NoError(t, e.WriteBlock(data, 6, KeyTypeB, KeySlot1))

	sent := ctx.card.sentCommands()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0xFF, 0xD6, 0x00, 0x06, 0x10}, sent[1][:5])
	assert.Equal(t, data, sent[1][5:])
}

func TestEngine_WriteBlockSkippedWhenAuthFails(t *testing.T) {
	e, ctx := newTestEngine(t)
	require.NoError(t, e.Connect(testReader))

	err := e.WriteBlock([]byte{1, 2, 3}, 6, KeyTypeA, KeySlot0)
	assert.ErrorIs(t, err, domain.ErrStatusFailure)
	assert.Len(t, ctx.card.sentCommands(), 1)
}

func TestEngine_WriteBlockRejectsBadLength(t *testing.T) {
	e, ctx := newTestEngine(t)
	require.NoError(t, e.Connect(testReader))

	assert.ErrorIs(t, e.WriteBlock(nil, 6, KeyTypeA, KeySlot0), domain.ErrInvalidParameter)
	assert.ErrorIs(t, e.WriteBlock(make([]byte, 256), 6, KeyTypeA, KeySlot0), domain.ErrInvalidParameter)
	assert.Empty(t, ctx.card.sentCommands())
}

func TestEngine_StoreKey(t *testing.T) {
	e, ctx := newTestEngine(t)
	key := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5}
	ctx.card.on(storeKeyCommand(key, KeySlot0), 0x90, 0x00)
	require.NoError(t, e.Connect(testReader))

	require.NoError(t, e.StoreKey(key, KeySlot0))

	err := e.StoreKey(key[:5], KeySlot0)
	assert.ErrorIs(t, err, domain.ErrInvalidKeyLength)
	assert.Len(t, ctx.card.sentCommands(), 1)
}

func TestListReaders(t *testing.T) {
	ctx := newFakeContext()
	ctx.readers = []string{testReader}
	readers, err := ListReaders(&fakeFactory{ctx: ctx})
	require.NoError(t, err)
	assert.Equal(t, []string{testReader}, readers)
	assert.True(t, ctx.released)

	empty := newFakeContext()
	empty.listErr = scard.ErrNoReadersAvailable
	readers, err = ListReaders(&fakeFactory{ctx: empty})
	require.NoError(t, err)
	assert.Empty(t, readers)

	_, err = ListReaders(&fakeFactory{err: domain.ErrContext})
	assert.ErrorIs(t, err, domain.ErrContext)
}
