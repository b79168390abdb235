package warming

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
)

type fakeWarmer struct {
	table *policy.Table
	calls atomic.Int64
	fail  bool
}

func (f *fakeWarmer) WarmCache(_ context.Context, entries []types.WarmEntry) (int, error) {
	f.calls.Add(1)
	if f.fail {
		return 0, errors.New("all tiers down")
	}
	warmed := 0
	for _, e := range entries {
		pol, err := f.table.Resolve(e.ContentType)
		if err == nil && pol.Warmable {
			warmed++
		}
	}
	return warmed, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestWarmNowReportsCounts(t *testing.T) {
	table := policy.NewDefaultTable()
	warmer := &fakeWarmer{table: table}
	loader := LoaderFunc(func(context.Context) ([]types.WarmEntry, error) {
		return []types.WarmEntry{
			{Key: "cfg", Value: []byte("c"), ContentType: types.ContentConfiguration},
			{Key: "asset", Value: []byte("a"), ContentType: types.ContentStaticAsset},
			{Key: "chat", Value: []byte("t"), ContentType: types.ContentTranscription},
		}, nil
	})

	svc, err := NewService(warmer, loader, table, Config{Retry: fastRetry()})
	require.NoError(t, err)

	report, err := svc.WarmNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Loaded)
	assert.Equal(t, 2, report.Warmed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)
}

func TestWarmNowRetriesLoader(t *testing.T) {
	table := policy.NewDefaultTable()
	warmer := &fakeWarmer{table: table}

	var attempts atomic.Int64
	loader := LoaderFunc(func(context.Context) ([]types.WarmEntry, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("upstream flaking")
		}
		return []types.WarmEntry{{Key: "cfg", Value: []byte("c"), ContentType: types.ContentConfiguration}}, nil
	})

	svc, err := NewService(warmer, loader, table, Config{Retry: fastRetry()})
	require.NoError(t, err)

	report, err := svc.WarmNow(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, 1, report.Warmed)
}

func TestWarmNowLoaderExhaustsRetries(t *testing.T) {
	table := policy.NewDefaultTable()
	warmer := &fakeWarmer{table: table}
	loader := LoaderFunc(func(context.Context) ([]types.WarmEntry, error) {
		return nil, errors.New("permanently down")
	})

	svc, err := NewService(warmer, loader, table, Config{Retry: fastRetry()})
	require.NoError(t, err)

	_, err = svc.WarmNow(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 0, warmer.calls.Load(), "warmer must not run without entries")
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	table := policy.NewDefaultTable()
	warmer := &fakeWarmer{table: table}
	loader := LoaderFunc(func(context.Context) ([]types.WarmEntry, error) {
		return []types.WarmEntry{{Key: "cfg", Value: []byte("c"), ContentType: types.ContentConfiguration}}, nil
	})

	svc, err := NewService(warmer, loader, table, Config{
		Interval: 10 * time.Millisecond,
		Retry:    fastRetry(),
	})
	require.NoError(t, err)

	svc.Start()
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for warmer.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Positive(t, warmer.calls.Load(), "scheduler never ran a cycle")

	report, lastRun := svc.LastReport()
	assert.Equal(t, 1, report.Warmed)
	assert.False(t, lastRun.IsZero())
}

func TestNewServiceValidation(t *testing.T) {
	table := policy.NewDefaultTable()
	loader := LoaderFunc(func(context.Context) ([]types.WarmEntry, error) { return nil, nil })

	_, err := NewService(nil, loader, table, Config{})
	assert.Error(t, err)

	_, err = NewService(&fakeWarmer{table: table}, nil, table, Config{})
	assert.Error(t, err)

	_, err = NewService(&fakeWarmer{table: table}, loader, nil, Config{})
	assert.Error(t, err)
}
