package partition

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/jobengine/internal/storetest"
	"github.com/jdziat/jobengine/pkg/core"
)

// countingStore counts store round trips.
type countingStore struct {
	core.PartitionStore
	gets    atomic.Int32
	creates atomic.Int32
}

func (c *countingStore) GetPartition(ctx context.Context, name string) (*core.Partition, error) {
	c.gets.Add(1)
	return c.PartitionStore.GetPartition(ctx, name)
}

func (c *countingStore) CreatePartition(ctx context.Context, name string) (*core.Partition, error) {
	c.creates.Add(1)
	return c.PartitionStore.CreatePartition(ctx, name)
}

func TestAllocator_GetOrCreate(t *testing.T) {
	store := &countingStore{PartitionStore: storetest.Open(t)}
	a := New(store)
	ctx := context.Background()

	eu, err := a.GetOrCreatePartitionID(ctx, "eu-west")
	require.NoError(t, err)
	us, err := a.GetOrCreatePartitionID(ctx, "us-east")
	require.NoError(t, err)
	assert.NotEqual(t, eu, us)

	again, err := a.GetOrCreatePartitionID(ctx, "eu-west")
	require.NoError(t, err)
	assert.Equal(t, eu, again)
	assert.Equal(t, int32(2), store.gets.Load(), "second lookup served from cache")

	cached, ok := a.Cached("eu-west")
	assert.True(t, ok)
	assert.Equal(t, eu, cached)
}

func TestAllocator_StableAcrossAllocators(t *testing.T) {
	store := storetest.Open(t)
	ctx := context.Background()

	id1, err := New(store).GetOrCreatePartitionID(ctx, "tenant-a")
	require.NoError(t, err)
	id2, err := New(store).GetOrCreatePartitionID(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestAllocator_ConcurrentCreationYieldsOneRow(t *testing.T) {
	store := storetest.Open(t)
	ctx := context.Background()

	// Separate allocators simulate separate processes racing on the insert.
	const n = 8
	ids := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := New(store).GetOrCreatePartitionID(ctx, "shared")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	parts, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestAllocator_InProcessMissesCollapse(t *testing.T) {
	store := &countingStore{PartitionStore: storetest.Open(t)}
	a := New(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.GetOrCreatePartitionID(ctx, "hot")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), store.creates.Load())

	parts, err := a.List(ctx)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

// gatedStore blocks GetPartition until release is closed.
type gatedStore struct {
	core.PartitionStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) GetPartition(ctx context.Context, name string) (*core.Partition, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.PartitionStore.GetPartition(ctx, name)
}

func TestAllocator_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &gatedStore{
		PartitionStore: storetest.Open(t),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	a := New(store)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.GetOrCreatePartitionID(firstCtx, "eu")
		firstErr <- err
	}()
	<-store.entered

	type result struct {
		id  int
		err error
	}
	second := make(chan result, 1)
	go func() {
		id, err := a.GetOrCreatePartitionID(context.Background(), "eu")
		second <- result{id, err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(store.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Positive(t, r.id)
		cached, ok := a.Cached("eu")
		assert.True(t, ok)
		assert.Equal(t, r.id, cached)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not return")
	}
}

func TestAllocator_InvalidName(t *testing.T) {
	a := New(storetest.Open(t))
	_, err := a.GetOrCreatePartitionID(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrInvalidPartition)
}
