package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBeginClaimsWithSetNX(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedisWithClient(client, time.Hour)

	mock.ExpectSetNX("tradegate:idem:k1", pendingMarker, time.Hour).SetVal(true)

	out, err := r.Begin(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, out.Fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBeginReturnsPublishedOutcome(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedisWithClient(client, time.Hour)

	mock.ExpectSetNX("tradegate:idem:k1", pendingMarker, time.Hour).SetVal(false)
	mock.ExpectGet("tradegate:idem:k1").SetVal(`{"done":true}`)

	out, err := r.Begin(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, out.Fresh)
	assert.Equal(t, []byte(`{"done":true}`), out.Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBeginPollsWhilePending(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedisWithClient(client, time.Hour)
	r.pollInterval = time.Millisecond

	mock.ExpectSetNX("tradegate:idem:k1", pendingMarker, time.Hour).SetVal(false)
	mock.ExpectGet("tradegate:idem:k1").SetVal(pendingMarker)
	mock.ExpectSetNX("tradegate:idem:k1", pendingMarker, time.Hour).SetVal(false)
	mock.ExpectGet("tradegate:idem:k1").SetVal("outcome")

	out, err := r.Begin(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, out.Fresh)
	assert.Equal(t, []byte("outcome"), out.Result)
}

func TestRedisEmptyKeyFreshWithoutRoundTrip(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedisWithClient(client, time.Hour)

	out, err := r.Begin(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, out.Fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCompleteAndAbort(t *testing.T) {
	client, mock := redismock.NewClientMock()
	r := NewRedisWithClient(client, time.Hour)

	mock.ExpectSet("tradegate:idem:k1", []byte("result"), time.Hour).SetVal("OK")
	require.NoError(t, r.Complete(context.Background(), "k1", []byte("result")))

	mock.ExpectDel("tradegate:idem:k2").SetVal(1)
	require.NoError(t, r.Abort(context.Background(), "k2"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
