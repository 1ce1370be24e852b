package catchup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/resharding/internal/layout"
)

func uidOf(version uint32, id uint64) layout.ShardUID {
	return layout.ShardUID{Version: layout.Version(version), ID: layout.ShardID(id)}
}

func staticFetch(root common.Hash) FetchFunc {
	return func(context.Context) (common.Hash, error) { return root, nil }
}

func TestScheduleRunTrack(t *testing.T) {
	c := New(zerolog.Nop())
	uid := uidOf(2, 1)
	root := common.Hash{0xaa}

	assert.Equal(t, NotTracking, c.Status(uid))
	c.Schedule(uid, 10, staticFetch(root))
	assert.Equal(t, Acquiring, c.Status(uid))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, Tracking, c.Status(uid))
	got, ok := c.Root(uid)
	require.True(t, ok)
	assert.Equal(t, root, got)
	assert.Empty(t, c.Pending())
}

func TestScheduleIsIdempotent(t *testing.T) {
	c := New(zerolog.Nop())
	uid := uidOf(2, 0)

	var calls atomic.Int32
	fetch := func(context.Context) (common.Hash, error) {
		calls.Add(1)
		return common.Hash{1}, nil
	}
	c.Schedule(uid, 10, fetch)
	c.Schedule(uid, 99, staticFetch(common.Hash{2}))
	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, int32(1), calls.Load(), "one download per shard")
	got, _ := c.Root(uid)
	assert.Equal(t, common.Hash{1}, got, "first schedule wins")
}

func TestFailedFetchRetries(t *testing.T) {
	c := New(zerolog.Nop())
	uid := uidOf(2, 3)

	var calls atomic.Int32
	fetch := func(context.Context) (common.Hash, error) {
		if calls.Add(1) == 1 {
			return common.Hash{}, errors.New("peer unavailable")
		}
		return common.Hash{9}, nil
	}
	c.Schedule(uid, 10, fetch)

	require.Error(t, c.Run(context.Background()))
	assert.Equal(t, Acquiring, c.Status(uid), "failed download stays pending")

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, Tracking, c.Status(uid))
}

func TestCheckDeadline(t *testing.T) {
	c := New(zerolog.Nop())
	uid := uidOf(2, 1)
	c.Schedule(uid, 10, staticFetch(common.Hash{1}))

	assert.NoError(t, c.CheckDeadline(10), "deadline height itself is still in time")
	err := c.CheckDeadline(11)
	assert.ErrorIs(t, err, ErrDeadlineMissed)

	require.NoError(t, c.Run(context.Background()))
	assert.NoError(t, c.CheckDeadline(11))
}

func TestAdoptAndDrop(t *testing.T) {
	c := New(zerolog.Nop())
	uid := uidOf(3, 0)

	c.Adopt(uid, common.Hash{5})
	assert.Equal(t, Tracking, c.Status(uid))
	got, ok := c.Root(uid)
	require.True(t, ok)
	assert.Equal(t, common.Hash{5}, got)

	c.Drop(uid)
	assert.Equal(t, NotTracking, c.Status(uid))
	_, ok = c.Root(uid)
	assert.False(t, ok)
}
