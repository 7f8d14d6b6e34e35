package jobs

import (
	"testing"
	"time"
)

func TestRetryBackoff_DoublesPerFailure(t *testing.T) {
	cfg := retryConfig{
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	cases := []struct {
		failed int
		want   time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
	}
	for _, tc := range cases {
		if got := RetryBackoff(tc.failed, cfg); got != tc.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tc.failed, got, tc.want)
		}
	}
}

func TestRetryBackoff_CapsAtMax(t *testing.T) {
	cfg := retryConfig{
		baseBackoff: 5 * time.Second,
		maxBackoff:  time.Minute,
	}

	for failed := 5; failed < 40; failed++ {
		if got := RetryBackoff(failed, cfg); got != time.Minute {
			t.Fatalf("RetryBackoff(%d) = %v, want cap %v", failed, got, time.Minute)
		}
	}
}

func TestRetryBackoff_NonPositiveFailedFallsBackToBase(t *testing.T) {
	cfg := retryConfig{
		baseBackoff: 5 * time.Second,
		maxBackoff:  time.Minute,
	}
	if got := RetryBackoff(0, cfg); got != cfg.baseBackoff {
		t.Errorf("RetryBackoff(0) = %v, want %v", got, cfg.baseBackoff)
	}
}

func TestRetryConfig_EnvOverride(t *testing.T) {
	t.Setenv("JOB_RETRY_BASE_BACKOFF_SECONDS", "2")
	t.Setenv("JOB_RETRY_MAX_BACKOFF_SECONDS", "30")

	cfg := getRetryConfig()
	if cfg.baseBackoff != 2*time.Second {
		t.Errorf("baseBackoff = %v, want 2s", cfg.baseBackoff)
	}
	if cfg.maxBackoff != 30*time.Second {
		t.Errorf("maxBackoff = %v, want 30s", cfg.maxBackoff)
	}
}
