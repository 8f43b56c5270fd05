package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
	"github.com/haukened/fleeting/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) app.EntryStore { return New() })
}

func TestShardSpread(t *testing.T) {
	s := New()
	used := map[*shard]struct{}{}
	for i := 0; i < 512; i++ {
		id, err := domain.NewID()
		require.NoError(t, err)
		used[s.shardFor(id.String())] = struct{}{}
	}
	assert.Greater(t, len(used), shardCount/2, "ids should spread over most shards")
}

func TestLenAndCanceledContext(t *testing.T) {
	s := New()
	id, _ := domain.NewID()
	p, _ := domain.ByViews(1)
	e, err := domain.NewEntry(id, "x", time.Now(), p)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), e))
	assert.Equal(t, 1, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Consume(ctx, id.String(), time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.Len(), "a canceled consume must not mutate")
}
