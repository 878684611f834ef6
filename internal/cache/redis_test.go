package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runDate = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func TestRedisCache_GetSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewWithClient(db, "", time.Minute)
	ctx := context.Background()

	mock.ExpectSet("pickrun:runs:2025-03-14", []byte(`{"id":"r1"}`), time.Minute).SetVal("OK")
	require.NoError(t, c.Set(ctx, c.RunKey(runDate), []byte(`{"id":"r1"}`)))

	mock.ExpectGet("pickrun:runs:2025-03-14").SetVal(`{"id":"r1"}`)
	v, found, err := c.Get(ctx, c.RunKey(runDate))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"id":"r1"}`, string(v))

	mock.ExpectGet("missing").RedisNil()
	_, found, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCache_InvalidateDecisions(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewWithClient(db, "pr:", time.Minute)

	mock.ExpectKeys("pr:runs:2025-03-14").SetVal([]string{"pr:runs:2025-03-14"})
	mock.ExpectDel("pr:runs:2025-03-14").SetVal(1)
	mock.ExpectKeys("pr:decisions:2025-03-14:*").SetVal([]string{"pr:decisions:2025-03-14:all", "pr:decisions:2025-03-14:picks"})
	mock.ExpectDel("pr:decisions:2025-03-14:all", "pr:decisions:2025-03-14:picks").SetVal(2)
	mock.ExpectKeys("pr:decisions:latest*").SetVal([]string{})

	n, err := c.InvalidateDecisions(context.Background(), runDate)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCache_InvalidateError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewWithClient(db, "pr:", time.Minute)

	mock.ExpectKeys("pr:runs:2025-03-14").SetErr(errors.New("connection reset"))

	_, err := c.InvalidateDecisions(context.Background(), runDate)
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCache_GetError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewWithClient(db, "", 0)

	mock.ExpectGet("k").SetErr(redis.TxFailedErr)
	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	var inv Invalidator = Noop{}
	n, err := inv.InvalidateDecisions(context.Background(), runDate)
	assert.NoError(t, err)
	assert.Zero(t, n)
}
