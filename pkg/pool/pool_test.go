package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(Config{BufferSize: 128})

	buf, err := p.Acquire("call-1")
	require.NoError(t, err)
	require.Len(t, buf.Bytes, 128)
	assert.Equal(t, int64(128), p.InUse())
	assert.Equal(t, int64(128), p.SessionInUse("call-1"))

	buf.Release()
	assert.Equal(t, int64(0), p.InUse())
	assert.Equal(t, int64(0), p.SessionInUse("call-1"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(Config{BufferSize: 64})
	buf, err := p.Acquire("call-1")
	require.NoError(t, err)

	buf.Release()
	buf.Release() // must not double-subtract
	assert.Equal(t, int64(0), p.InUse())
}

func TestPerSessionSoftLimit(t *testing.T) {
	p := New(Config{BufferSize: 100})
	p.SetSessionLimit("call-1", 150)

	b1, err := p.Acquire("call-1")
	require.NoError(t, err)

	_, err = p.Acquire("call-1")
	require.Error(t, err)
	var limitErr *ErrSoftLimitExceeded
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "call-1", limitErr.Session)

	b1.Release()
	b2, err := p.Acquire("call-1")
	require.NoError(t, err)
	b2.Release()
}

func TestGlobalSoftLimitIsIndependentOfSessionLimit(t *testing.T) {
	p := New(Config{BufferSize: 100, GlobalSoftLimit: 150})

	b1, err := p.Acquire("call-1")
	require.NoError(t, err)
	defer b1.Release()

	_, err = p.Acquire("call-2")
	require.Error(t, err)
	var limitErr *ErrSoftLimitExceeded
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "", limitErr.Session)
}

func TestUseReleasesOnError(t *testing.T) {
	p := New(Config{BufferSize: 32})
	boom := errors.New("boom")

	err := p.Use("call-1", func(buf []byte) error {
		assert.Len(t, buf, 32)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), p.InUse())
}

func TestUseReleasesOnPanic(t *testing.T) {
	p := New(Config{BufferSize: 32})

	func() {
		defer func() { _ = recover() }()
		_ = p.Use("call-1", func(buf []byte) error {
			panic("boom")
		})
	}()
	assert.Equal(t, int64(0), p.InUse())
}

func TestForgetSessionClearsAccounting(t *testing.T) {
	p := New(Config{BufferSize: 32})
	buf, err := p.Acquire("call-1")
	require.NoError(t, err)
	buf.Release()

	p.ForgetSession("call-1")
	assert.Equal(t, int64(0), p.SessionInUse("call-1"))
}
