package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:      maxRetries,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2.0,
		JitterFactor:    0,
	}
}

func TestNew_WithZeroValues(t *testing.T) {
	retrier := New(&Config{JitterFactor: 3})

	if retrier.config.InitialInterval != time.Second {
		t.Errorf("InitialInterval = %v, want 1s", retrier.config.InitialInterval)
	}
	if retrier.config.MaxInterval != 30*time.Second {
		t.Errorf("MaxInterval = %v, want 30s", retrier.config.MaxInterval)
	}
	if retrier.config.Multiplier != 2.0 {
		t.Errorf("Multiplier = %f, want 2.0", retrier.config.Multiplier)
	}
	if retrier.config.JitterFactor != 1 {
		t.Errorf("JitterFactor = %f, want clamp to 1", retrier.config.JitterFactor)
	}
}

func TestRetrier_Do_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	result := New(fastConfig(5)).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestRetrier_Do_MaxRetriesExceeded(t *testing.T) {
	errBusy := errors.New("busy")
	result := New(fastConfig(2)).Do(context.Background(), func(ctx context.Context) error {
		return errBusy
	})

	if !errors.Is(result.Err, ErrMaxRetriesExceeded) {
		t.Errorf("Err = %v, want ErrMaxRetriesExceeded", result.Err)
	}
	if !errors.Is(result.LastError, errBusy) {
		t.Errorf("LastError = %v, want errBusy", result.LastError)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestRetrier_Do_PermanentError(t *testing.T) {
	errFatal := errors.New("fatal")
	attempts := 0
	result := New(fastConfig(5)).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(errFatal)
	})

	if !errors.Is(result.Err, errFatal) {
		t.Errorf("Err = %v, want errFatal", result.Err)
	}
	if attempts != 1 {
		t.Errorf("Operation called %d times, want 1", attempts)
	}
}

func TestRetrier_Do_RetryIf(t *testing.T) {
	errBusy := errors.New("busy")
	errNotFound := errors.New("not found")

	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return errors.Is(err, errBusy) }

	attempts := 0
	result := New(cfg).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return errBusy
		}
		return errNotFound
	})

	if !errors.Is(result.Err, errNotFound) {
		t.Errorf("Err = %v, want errNotFound", result.Err)
	}
	if attempts != 2 {
		t.Errorf("Operation called %d times, want 2", attempts)
	}
}

func TestRetrier_Do_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig(10)
	cfg.InitialInterval = time.Second
	cfg.MaxInterval = time.Second

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := New(cfg).Do(ctx, func(ctx context.Context) error {
		return errors.New("keep failing")
	})

	if !errors.Is(result.Err, ErrContextCanceled) {
		t.Errorf("Err = %v, want ErrContextCanceled", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
}

func TestRetrier_DoWithCallback(t *testing.T) {
	var seen []int
	result := New(fastConfig(2)).DoWithCallback(context.Background(),
		func(ctx context.Context) error { return errors.New("x") },
		func(attempt int, err error, next time.Duration) {
			seen = append(seen, attempt)
		})

	if result.Err == nil {
		t.Fatal("expected error")
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("callback attempts = %v, want [1 2]", seen)
	}
}

func TestCalculateInterval_ExponentialBackoff(t *testing.T) {
	r := New(&Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}
	for attempt, w := range want {
		if got := r.calculateInterval(attempt); got != w {
			t.Errorf("attempt %d: interval = %v, want %v", attempt, got, w)
		}
	}
}

func TestCalculateInterval_WithJitter(t *testing.T) {
	r := New(&Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.5,
	})

	for i := 0; i < 50; i++ {
		got := r.calculateInterval(0)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("interval %v outside jitter bounds", got)
		}
	}
}
