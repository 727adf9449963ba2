package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cdcroute/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePasser struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	result []PassResult
}

func (f *fakePasser) RoutePass(ctx context.Context) ([]PassResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.result, nil
}

func (f *fakePasser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingPasser blocks until its context is canceled
type blockingPasser struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingPasser) RoutePass(ctx context.Context) ([]PassResult, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestNewServiceDefaults(t *testing.T) {
	_, err := NewService(nil, ServiceConfig{})
	assert.Error(t, err)

	s, err := NewService(&fakePasser{}, ServiceConfig{RetryMultiplier: 0.5})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, s.config.PollInterval)
	assert.Equal(t, DefaultRetryInitial, s.config.RetryInitial)
	assert.Equal(t, DefaultRetryMax, s.config.RetryMax)
	assert.Equal(t, DefaultRetryMultiplier, s.config.RetryMultiplier)
	assert.False(t, s.Running())
}

func TestServiceRunsPasses(t *testing.T) {
	p := &fakePasser{result: []PassResult{{ChannelID: "orders", DataRead: 3}}}
	s, err := NewService(p, ServiceConfig{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	s.Start()
	s.Start()
	assert.True(t, s.Running())

	require.Eventually(t, func() bool { return p.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())

	assert.Equal(t, []PassResult{{ChannelID: "orders", DataRead: 3}}, s.LastResults())
	assert.False(t, s.LastPassAt().IsZero())
	assert.Zero(t, s.ConsecutiveFailures())
}

func TestServiceRetriesFailedPasses(t *testing.T) {
	boom := errors.New("boom")
	p := &fakePasser{errs: []error{boom, boom, boom}}
	s, err := NewService(p, ServiceConfig{
		PollInterval: time.Hour,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	// three failures then a success, after which the long poll interval holds
	require.Eventually(t, func() bool { return p.callCount() == 4 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.ConsecutiveFailures() == 0 }, time.Second, time.Millisecond)
}

func TestServiceCountsConsecutiveFailures(t *testing.T) {
	boom := errors.New("boom")
	p := &fakePasser{errs: []error{boom, boom}}
	s, err := NewService(p, ServiceConfig{RetryInitial: time.Hour})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return s.ConsecutiveFailures() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, p.callCount())
}

func TestServiceStopCancelsInFlightPass(t *testing.T) {
	p := &blockingPasser{started: make(chan struct{})}
	s, err := NewService(p, ServiceConfig{})
	require.NoError(t, err)

	s.Start()
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pass never started")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not cancel the pass")
	}
}

func TestServiceWakesOnCapturedChange(t *testing.T) {
	hub := notify.NewHub()
	wake, cancel := hub.Subscribe(notify.Filter{})

	p := &fakePasser{}
	s, err := NewService(p, ServiceConfig{PollInterval: time.Hour, Wake: wake})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return p.callCount() == 1 }, time.Second, time.Millisecond)
	hub.Signal("orders", 1)
	require.Eventually(t, func() bool { return p.callCount() == 2 }, time.Second, time.Millisecond)

	// a closed wake channel falls back to the poll interval
	cancel()
	require.Eventually(t, func() bool { return p.callCount() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, p.callCount())
}
