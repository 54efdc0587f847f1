package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(NewIdentity("test"), zerolog.Nop())
}

func TestDispatch_UnknownMethod(t *testing.T) {
	s := newTestService()
	m, err := DecodeEnvelope(s.Dispatch("nope", "{}"))
	require.NoError(t, err)
	assert.False(t, Success(m))
	assert.Contains(t, m["error"], "unknown method")
}

func TestDispatch_SuccessPayload(t *testing.T) {
	s := newTestService()
	s.RegisterMethod("ping", func(ctx context.Context, args string) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})
	m, err := DecodeEnvelope(s.Dispatch("ping", "{}"))
	require.NoError(t, err)
	assert.True(t, Success(m))
	assert.Equal(t, true, m["pong"])
}

func TestDispatch_HandlerErrorBecomesEnvelope(t *testing.T) {
	s := newTestService()
	s.RegisterMethod("fail", func(ctx context.Context, args string) (map[string]any, error) {
		return nil, errors.New("semantic failure")
	})
	m, err := DecodeEnvelope(s.Dispatch("fail", "{}"))
	require.NoError(t, err)
	assert.False(t, Success(m))
	assert.Equal(t, "semantic failure", m["error"])
}

func TestDispatch_PanicBecomesEnvelope(t *testing.T) {
	s := newTestService()
	s.RegisterMethod("boom", func(ctx context.Context, args string) (map[string]any, error) {
		panic("handler bug")
	})
	m, err := DecodeEnvelope(s.Dispatch("boom", "{}"))
	require.NoError(t, err)
	assert.False(t, Success(m))
	assert.Contains(t, m["error"], "handler bug")
}

func TestDispatch_TimeoutEnvelope(t *testing.T) {
	s := newTestService()
	s.registerMethod("slow", func(ctx context.Context, args string) (map[string]any, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil, ctx.Err()
	}, 50*time.Millisecond)

	start := time.Now()
	m, err := DecodeEnvelope(s.Dispatch("slow", "{}"))
	require.NoError(t, err)
	assert.False(t, Success(m))
	assert.Equal(t, "timed out", m["error"])
	assert.Less(t, time.Since(start), 5*time.Second)
}
