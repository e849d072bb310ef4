package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(3, 10*time.Second)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "below threshold")

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, b.Allow(), "probe after open duration")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe")

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(11 * time.Second)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.openDuration)
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}
