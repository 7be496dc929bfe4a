package admission

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hlsconverter/orchestrator/internal/shared"
)

func newController(t *testing.T, max int64) (*Controller, *observer.ObservedLogs) {
	t.Helper()
	store, err := shared.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	c, err := New(store, "hls:processing:count", max, zap.New(core))
	require.NoError(t, err)
	return c, logs
}

func TestNew_RejectsNonPositiveMax(t *testing.T) {
	store, err := shared.NewMemory()
	require.NoError(t, err)
	defer store.Close()

	_, err = New(store, "k", 0, nil)
	assert.Error(t, err)
}

func TestController_ReserveUpToMax(t *testing.T) {
	c, _ := newController(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := c.TryReserve(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.TryReserve(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	load, err := c.CurrentLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), load)

	avail, err := c.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), avail)

	require.NoError(t, c.Release(ctx))
	ok, err = c.TryReserve(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestController_DoubleReleaseClampsAndLogs(t *testing.T) {
	c, logs := newController(t, 3)
	ctx := context.Background()

	ok, err := c.TryReserve(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx))
	require.NoError(t, c.Release(ctx))

	load, err := c.CurrentLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), load)
	assert.Equal(t, int64(1), c.Violations())

	entries := logs.FilterField(zap.String("invariant", "double-release")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

// Random interleavings of reserve and release never push the load outside
// [0, max].
func TestController_LoadStaysInBounds(t *testing.T) {
	const max = 4
	c, _ := newController(t, max)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		held int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			mine := 0
			for i := 0; i < 100; i++ {
				if mine > 0 && r.Intn(2) == 0 {
					mu.Lock()
					held--
					mu.Unlock()
					assert.NoError(t, c.Release(ctx))
					mine--
				} else {
					ok, err := c.TryReserve(ctx)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						held++
						assert.LessOrEqual(t, held, int64(max))
						mu.Unlock()
						mine++
					}
				}
				load, err := c.CurrentLoad(ctx)
				assert.NoError(t, err)
				assert.GreaterOrEqual(t, load, int64(0))
				assert.LessOrEqual(t, load, int64(max))
			}
			for ; mine > 0; mine-- {
				mu.Lock()
				held--
				mu.Unlock()
				assert.NoError(t, c.Release(ctx))
			}
		}(int64(w))
	}
	wg.Wait()

	load, err := c.CurrentLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), load)
	assert.Equal(t, int64(0), c.Violations())
}

func TestController_HolderMirrorsReservations(t *testing.T) {
	c, _ := newController(t, 2)
	c.SetHolder("hls:node:a:held")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.TryReserve(ctx)
		require.NoError(t, err)
	}
	held, err := c.store.Counter(ctx, "hls:node:a:held")
	require.NoError(t, err)
	assert.Equal(t, int64(2), held)

	require.NoError(t, c.Release(ctx))
	held, err = c.store.Counter(ctx, "hls:node:a:held")
	require.NoError(t, err)
	assert.Equal(t, int64(1), held)
}

func TestController_SettleReleasesLeakedSlots(t *testing.T) {
	c, logs := newController(t, 5)
	ctx := context.Background()

	// The departed holder reserved three slots; one unit survives.
	gone, err := New(c.store, c.key, 5, nil)
	require.NoError(t, err)
	gone.SetHolder("hls:node:b:held")
	for i := 0; i < 3; i++ {
		ok, err := gone.TryReserve(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	c.SetHolder("hls:node:a:held")
	released, err := c.Settle(ctx, "hls:node:b:held", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)

	load, err := c.CurrentLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), load)
	for key, want := range map[string]int64{"hls:node:a:held": 1, "hls:node:b:held": 0} {
		n, err := c.store.Counter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, n, key)
	}
	assert.Equal(t, 1, logs.FilterMessage("capacity settled for departed holder").Len())

	// The adopted unit finishes: no double release.
	require.NoError(t, c.Release(ctx))
	load, err = c.CurrentLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), load)
	assert.Equal(t, int64(0), c.Violations())
}

func TestController_SettleRestoresLostReservations(t *testing.T) {
	c, _ := newController(t, 5)
	c.SetHolder("hls:node:a:held")
	ctx := context.Background()

	// Nothing recorded for the departed holder, yet two of its units are alive.
	released, err := c.Settle(ctx, "hls:node:b:held", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), released)

	load, err := c.CurrentLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), load)

	require.NoError(t, c.Release(ctx))
	require.NoError(t, c.Release(ctx))
	assert.Equal(t, int64(0), c.Violations())
}

func TestController_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	store := shared.NewRedis(shared.RedisOptions{Addr: mr.Addr()})
	defer store.Close()
	c, err := New(store, "k", 1, nil)
	require.NoError(t, err)
	mr.Close()

	_, err = c.TryReserve(context.Background())
	assert.ErrorIs(t, err, shared.ErrUnavailable)
}
