package device

import (
	"errors"
	"testing"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ExclusiveClaim(t *testing.T) {
	r := NewRegistry()

	h, err := r.Claim("/dev/ttyUSB0", nil)
	require.NoError(t, err)
	assert.True(t, h.IsOpen())
	assert.True(t, r.IsOpen("/dev/ttyUSB0"))

	_, err = r.Claim("/dev/ttyUSB0", nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	require.NoError(t, h.Close())
	assert.False(t, h.IsOpen())
	assert.False(t, r.IsOpen("/dev/ttyUSB0"))

	h2, err := r.Claim("/dev/ttyUSB0", nil)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
}

func TestHandle_CloseIdempotent(t *testing.T) {
	r := NewRegistry()
	calls := 0
	h, err := r.Claim("ACS ACR122U", func() error {
		calls++
		return errors.New("boom")
	})
	require.NoError(t, err)

	assert.EqualError(t, h.Close(), "boom")
	assert.NoError(t, h.Close())
	assert.Equal(t, 1, calls)
}

func TestHandle_StaleCloseDoesNotReleaseNewClaim(t *testing.T) {
	r := NewRegistry()
	h1, err := r.Claim("reader", nil)
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	h2, err := r.Claim("reader", nil)
	require.NoError(t, err)
	require.NoError(t, h1.Close())
	assert.True(t, r.IsOpen("reader"))
	assert.True(t, h2.IsOpen())
}

func TestHandle_NilSafe(t *testing.T) {
	var h *Handle
	assert.NoError(t, h.Close())
	assert.False(t, h.IsOpen())
	assert.Empty(t, h.ID())
}
