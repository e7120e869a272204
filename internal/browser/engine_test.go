package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(Options{}, nil)
	assert.Equal(t, defaultMaxPages, cap(e.sem))
	assert.False(t, e.Started())
}

func TestCloseIsIdempotentWithoutLaunch(t *testing.T) {
	e := NewEngine(Options{MaxPages: 1}, nil)
	e.Close()
	e.Close()

	_, err := e.AcquirePage(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	assert.False(t, e.Started())
	// 失败的 AcquirePage 必须归还名额
	assert.Len(t, e.sem, 0)
}

func TestAcquirePageHonorsContextWhenPagesExhausted(t *testing.T) {
	e := NewEngine(Options{MaxPages: 1}, nil)
	e.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.AcquirePage(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, e.Started(), "engine must not launch while waiting for a page slot")
}

func TestTabReleaseOnce(t *testing.T) {
	released := 0
	cancelled := 0
	tb := &tab{
		cancel: func() { cancelled++ },
		done:   func() { released++ },
	}
	tb.Release()
	tb.Release()
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, cancelled)
}

func TestPhaseTimersAreIndependent(t *testing.T) {
	tb := &tab{ctx: context.Background()}
	caller := context.Background()

	nav, cancelNav := tb.phase(caller, 10*time.Millisecond)
	defer cancelNav()
	<-nav.Done()
	require.ErrorIs(t, nav.Err(), context.DeadlineExceeded)

	// 导航超时后，后续阶段仍有自己的完整时限
	read, cancelRead := tb.phase(caller, time.Second)
	defer cancelRead()
	assert.NoError(t, read.Err())
	deadline, ok := read.Deadline()
	require.True(t, ok)
	assert.Greater(t, time.Until(deadline), 500*time.Millisecond)
}

func TestPhaseFollowsCallerCancellation(t *testing.T) {
	tb := &tab{ctx: context.Background()}
	caller, cancel := context.WithCancel(context.Background())

	ctx, release := tb.phase(caller, time.Minute)
	defer release()
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("phase context outlived its caller")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestPhaseStopsWithTab(t *testing.T) {
	tabCtx, closeTab := context.WithCancel(context.Background())
	tb := &tab{ctx: tabCtx}

	ctx, release := tb.phase(context.Background(), time.Minute)
	defer release()
	closeTab()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
