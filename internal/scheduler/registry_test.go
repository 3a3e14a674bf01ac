package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobd/internal/storage"
	logx "jobd/pkg/logx"
)

func TestValidate(t *testing.T) {
	r := New(Config{}, nil, logx.Nop())
	for _, ok := range []string{"* * * * *", "0 3 * * 1-5", "*/10 * * * * *", "@hourly", "@every 90s"} {
		assert.NoError(t, r.Validate(ok), ok)
	}
	for _, bad := range []string{"", "not a cron", "61 * * * *", "* * *", "@sometimes"} {
		assert.ErrorIs(t, r.Validate(bad), ErrInvalidCron, bad)
	}
}

func TestRegisterInvalidLeavesNoTrigger(t *testing.T) {
	var ticks atomic.Int32
	r := New(Config{}, func(context.Context, int64) error {
		ticks.Add(1)
		return nil
	}, logx.Nop())
	r.Start(context.Background())
	defer r.Stop(context.Background())

	err := r.Register(storage.Job{ID: 1, Name: "bad", Cron: "every tuesday"})
	require.ErrorIs(t, err, ErrInvalidCron)
	assert.False(t, r.Registered(1))
	_, ok := r.Next(1)
	assert.False(t, ok)
	assert.Empty(t, r.Entries())

	time.Sleep(1200 * time.Millisecond)
	assert.Zero(t, ticks.Load())
}

func TestRegisterWithoutCronIsNoop(t *testing.T) {
	r := New(Config{}, nil, logx.Nop())
	require.NoError(t, r.Register(storage.Job{ID: 3, Name: "manual"}))
	assert.False(t, r.Registered(3))
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New(Config{}, nil, logx.Nop())
	require.NoError(t, r.Register(storage.Job{ID: 7, Cron: "@daily"}))
	assert.True(t, r.Unregister(7))
	assert.False(t, r.Unregister(7))
	assert.False(t, r.Unregister(99))
}

func TestNextUsesTimezone(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r := New(Config{Timezone: "UTC"}, nil, logx.Nop(), WithClock(func() time.Time { return now }))

	require.NoError(t, r.Register(storage.Job{ID: 1, Cron: "0 3 * * *"}))
	require.NoError(t, r.Register(storage.Job{ID: 2, Cron: "30 0 3 * * *"}))

	next, ok := r.Next(1)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC), next)

	next, ok = r.Next(2)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 0, 30, 0, time.UTC), next)

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.EqualValues(t, 1, entries[0].JobID)
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	r := New(Config{Timezone: "Nowhere/Special"}, nil, logx.Nop())
	assert.Equal(t, time.Local, r.Location())

	r.Apply(Config{Timezone: "UTC"})
	assert.Equal(t, "UTC", r.Location().String())
}

func TestTicksFireAndErrorsDoNotDisable(t *testing.T) {
	fired := make(chan int64, 16)
	var calls atomic.Int32
	r := New(Config{}, func(_ context.Context, id int64) error {
		n := calls.Add(1)
		fired <- id
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("tick panic")
		}
		return nil
	}, logx.Nop())

	// Registered before Start: installed when the loop starts.
	require.NoError(t, r.Register(storage.Job{ID: 5, Name: "every-second", Cron: "* * * * * *"}))
	r.Start(context.Background())
	defer r.Stop(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case id := <-fired:
			assert.EqualValues(t, 5, id)
		case <-time.After(4 * time.Second):
			t.Fatalf("tick %d never fired", i+1)
		}
	}
}

func TestQuietErrors(t *testing.T) {
	errBusy := errors.New("busy")
	fired := make(chan struct{}, 8)
	r := New(Config{}, func(context.Context, int64) error {
		fired <- struct{}{}
		return errBusy
	}, logx.Nop(), WithQuietErrors(errBusy))
	require.NoError(t, r.Register(storage.Job{ID: 1, Cron: "* * * * * *"}))
	r.Start(context.Background())
	defer r.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("tick never fired")
	}
	r.repMu.Lock()
	defer r.repMu.Unlock()
	assert.Empty(t, r.limiters, "quiet errors are not rate-tracked")
}

func TestStopHaltsTicks(t *testing.T) {
	var ticks atomic.Int32
	r := New(Config{}, func(context.Context, int64) error {
		ticks.Add(1)
		return nil
	}, logx.Nop())
	require.NoError(t, r.Register(storage.Job{ID: 1, Cron: "* * * * * *"}))
	r.Start(context.Background())
	r.Stop(context.Background())

	before := ticks.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, before, ticks.Load())
	assert.True(t, r.Registered(1), "definitions survive Stop")
}
