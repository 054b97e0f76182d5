package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

var errRefused = &net.OpError{
	Op:  "dial",
	Net: "tcp",
	Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED},
}

func fastConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxJitter:   0,
		MaxDelay:    10 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstTime(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, 1, attempt)
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUpToMaxAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context, int) error {
		calls++
		return errRefused
	}, nil)

	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 3, calls)
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var attempts []int
	err := Do(context.Background(), fastConfig(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return context.DeadlineExceeded
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_ClientErrorsInvokedExactlyOnce(t *testing.T) {
	t.Parallel()

	clientErrors := []error{
		apierror.New(apierror.KindValidation, apierror.CodeInvalidPayload, "bad"),
		util.ErrInvalidCredentials,
		util.ErrForbidden,
	}

	for _, clientErr := range clientErrors {
		calls := 0
		err := Do(context.Background(), fastConfig(), func(context.Context, int) error {
			calls++
			return clientErr
		}, nil)

		assert.ErrorIs(t, err, clientErr)
		assert.Equal(t, 1, calls, clientErr.Error())
	}
}

func TestDo_CircuitOpenNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = Do(context.Background(), fastConfig(), func(context.Context, int) error {
		calls++
		return apierror.ServiceUnavailable(apierror.CodeServiceOffline, "pos", util.ErrCircuitOpen)
	}, nil)

	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(context.Context, int) error {
			calls++
			return errRefused
		}, &Options{Jitter: func(time.Duration) time.Duration { return 0 }})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errRefused)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_OnRetryAndCustomPredicate(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("custom")
	var backoffs []time.Duration

	err := Do(context.Background(), fastConfig(), func(context.Context, int) error {
		return sentinel
	}, &Options{
		ShouldRetry: func(err error) bool { return errors.Is(err, sentinel) },
		OnRetry: func(_ int, _ error, backoff time.Duration) {
			backoffs = append(backoffs, backoff)
		},
		Jitter: func(time.Duration) time.Duration { return 0 },
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, backoffs)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		jitter  time.Duration
		want    time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{3, 500 * time.Millisecond, 4500 * time.Millisecond},
		{0, 0, time.Second},
		{10, 0, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 30*time.Second, tt.jitter))
	}
}

func TestNewJitter_SeededAndBounded(t *testing.T) {
	t.Parallel()

	a := NewJitter(42)
	b := NewJitter(42)

	for i := 0; i < 100; i++ {
		ja := a(time.Second)
		assert.Equal(t, ja, b(time.Second))
		assert.GreaterOrEqual(t, ja, time.Duration(0))
		assert.LessOrEqual(t, ja, time.Second)
	}
	assert.Equal(t, time.Duration(0), a(0))
}

func TestBackoffBoundsWithDefaultJitter(t *testing.T) {
	t.Parallel()

	jitter := NewJitter(7)
	cfg := DefaultConfig()
	for attempt := 1; attempt <= 2; attempt++ {
		base := cfg.GetBaseDelay() << (attempt - 1)
		d := Backoff(attempt, cfg.GetBaseDelay(), cfg.GetMaxDelay(), jitter(cfg.GetMaxJitter()))
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+time.Second)
	}
}

func TestConfigGetters(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	assert.Equal(t, DefaultMaxAttempts, nilCfg.GetMaxAttempts())
	assert.Equal(t, DefaultBaseDelay, nilCfg.GetBaseDelay())
	assert.Equal(t, DefaultMaxJitter, nilCfg.GetMaxJitter())
	assert.Equal(t, DefaultMaxDelay, nilCfg.GetMaxDelay())

	cfg := &Config{MaxJitter: 0}
	assert.Equal(t, time.Duration(0), cfg.GetMaxJitter())
}
