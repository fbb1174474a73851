package sharpen

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thermalsharp/internal/config"
)

func scheduleWindows(t *testing.T) []Window {
	t.Helper()
	p, err := NewPartitioner(6, 6, 2)
	require.NoError(t, err)
	return slices.Collect(p.Windows())
}

func filledTile(w Window, v float64) *Tile {
	tile := noDataTile(w, 2)
	tile.NoData = false
	for i := range tile.Data {
		tile.Data[i] = v
	}
	return tile
}

func TestScheduleOrdersTilesByIndex(t *testing.T) {
	t.Parallel()

	windows := scheduleWindows(t)
	e := newTestEngine(t, testOptions(2, 4))
	rec := &recorder{}
	e.SetObserver(rec)

	tiles, err := e.schedule(context.Background(), windows, 2, func(_ context.Context, w Window) (*Tile, int, error) {
		// later windows finish first
		time.Sleep(time.Duration(len(windows)-w.Index) * time.Millisecond)
		return filledTile(w, float64(w.Index)), 7, nil
	})
	require.NoError(t, err)
	require.Len(t, tiles, len(windows))
	for i, tile := range tiles {
		assert.Equal(t, i, tile.Window.Index)
		assert.Equal(t, float64(i), tile.Data[0])
	}
	assert.Len(t, rec.outcomes, len(windows))
	for _, o := range rec.outcomes {
		assert.Equal(t, StatusOK, o.Status)
		assert.Equal(t, 7, o.Samples)
	}
}

func TestScheduleBoundsConcurrency(t *testing.T) {
	t.Parallel()

	windows := scheduleWindows(t)
	e := newTestEngine(t, testOptions(2, 3))

	var running, peak atomic.Int32
	_, err := e.schedule(context.Background(), windows, 2, func(_ context.Context, w Window) (*Tile, int, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return filledTile(w, 1), 1, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestScheduleSubstitutesFailedWindow(t *testing.T) {
	t.Parallel()

	windows := scheduleWindows(t)
	e := newTestEngine(t, testOptions(2, 2))
	rec := &recorder{}
	e.SetObserver(rec)
	boom := errors.New("singular system")

	tiles, err := e.schedule(context.Background(), windows, 2, func(_ context.Context, w Window) (*Tile, int, error) {
		if w.Index == 2 {
			return nil, 3, &ModelFitError{Err: boom}
		}
		if w.Index == 5 {
			panic("index out of range")
		}
		return filledTile(w, 290), 3, nil
	})
	require.NoError(t, err)
	for _, i := range []int{2, 5} {
		assert.True(t, tiles[i].NoData)
		for _, v := range tiles[i].Data {
			require.True(t, math.IsNaN(v))
		}
		out, ok := rec.byIndex(i)
		require.True(t, ok)
		assert.Equal(t, StatusFailed, out.Status)
		var fit *ModelFitError
		assert.ErrorAs(t, out.Err, &fit)
	}
	out, _ := rec.byIndex(2)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, 290.0, tiles[0].Data[0])
	assert.False(t, tiles[0].NoData)
}

func TestScheduleAbortStopsDispatch(t *testing.T) {
	t.Parallel()

	windows := scheduleWindows(t)
	o := testOptions(2, 1)
	o.FailurePolicy = config.PolicyAbort
	e := newTestEngine(t, o)

	var started atomic.Int32
	_, err := e.schedule(context.Background(), windows, 2, func(_ context.Context, w Window) (*Tile, int, error) {
		started.Add(1)
		if w.Index == 1 {
			return nil, 0, &ModelFitError{Err: errors.New("diverged")}
		}
		return filledTile(w, 290), 5, nil
	})
	var we *WindowError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 1, we.Index)
	assert.Equal(t, windows[1].Core, we.Bounds)
	assert.Less(t, int(started.Load()), len(windows))
}

func TestScheduleCancellationDiscardsResults(t *testing.T) {
	t.Parallel()

	windows := scheduleWindows(t)
	e := newTestEngine(t, testOptions(2, 2))
	rec := &recorder{}
	e.SetObserver(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tiles, err := e.schedule(ctx, windows, 2, func(ctx context.Context, w Window) (*Tile, int, error) {
		if w.Index == 3 {
			cancel()
			<-ctx.Done()
			return nil, 0, ctx.Err()
		}
		return filledTile(w, 290), 5, nil
	})
	assert.Nil(t, tiles)
	assert.ErrorIs(t, err, ErrCanceled)
	_, seen := rec.byIndex(3)
	assert.False(t, seen)
}

func TestWindowSeedIsStableAndDistinct(t *testing.T) {
	t.Parallel()

	assert.Equal(t, windowSeed(42, 3), windowSeed(42, 3))
	assert.NotEqual(t, windowSeed(42, 3), windowSeed(42, 4))
	assert.NotEqual(t, windowSeed(42, 3), windowSeed(43, 3))
}
