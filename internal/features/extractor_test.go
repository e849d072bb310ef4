package features

import (
	"errors"
	"math"
	"testing"
	"testing/quick"
	"time"

	"behavior-gate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refTime = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestExtractor() *Extractor {
	return NewExtractorWithClock(func() time.Time { return refTime })
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestExtractComputesRates(t *testing.T) {
	v, err := newTestExtractor().Extract(models.Snapshot{
		SessionID:         "s1",
		MouseMoveCount:    300,
		KeyPressCount:     60,
		TimeOnPageSeconds: 120,
		InteractionScore:  0.8,
		IdleRatio:         0.1,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2.5, v[MouseMoveRate])
	assert.Equal(t, 0.5, v[KeyPressRate])
	assert.Equal(t, 120.0, v[TimeOnPageSeconds])
	assert.Equal(t, 0.0, v[HasContext])
	assert.Equal(t, 0.0, v[ContextCompleteness])
	_, hasYears := v.Get(YearsInBusiness)
	assert.False(t, hasYears)
}

func TestExtractUsesSuppliedRate(t *testing.T) {
	v, err := newTestExtractor().Extract(models.Snapshot{
		SessionID:         "s1",
		MouseMoveCount:    10,
		TimeOnPageSeconds: 5,
		MouseMoveRate:     floatPtr(0.3),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.3, v[MouseMoveRate])
}

func TestExtractZeroTimeUsesSentinel(t *testing.T) {
	v, err := newTestExtractor().Extract(models.Snapshot{
		SessionID:         "s1",
		MouseMoveCount:    500,
		KeyPressCount:     80,
		TimeOnPageSeconds: 0,
		MouseMoveRate:     floatPtr(12),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, RateSentinel, v[MouseMoveRate])
	assert.Equal(t, RateSentinel, v[KeyPressRate])
	for name, f := range v {
		assert.False(t, math.IsNaN(f) || math.IsInf(f, 0), name)
	}
}

func TestExtractSubSecondWindowUsesSentinel(t *testing.T) {
	v, err := newTestExtractor().Extract(models.Snapshot{
		SessionID:         "s1",
		MouseMoveCount:    3,
		TimeOnPageSeconds: 0.4,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, RateSentinel, v[MouseMoveRate])
}

func TestExtractClampsRatesAndRatios(t *testing.T) {
	v, err := newTestExtractor().Extract(models.Snapshot{
		SessionID:         "s1",
		MouseMoveCount:    1_000_000,
		TimeOnPageSeconds: 2,
		InteractionScore:  3,
		IdleRatio:         1.5,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxRate, v[MouseMoveRate])
	assert.Equal(t, 1.0, v[InteractionScore])
	assert.Equal(t, 1.0, v[IdleRatio])
}

func TestExtractEntityContext(t *testing.T) {
	v, err := newTestExtractor().Extract(models.Snapshot{SessionID: "s1", TimeOnPageSeconds: 30}, &models.EntityContext{
		Website:         "https://clinic.example",
		LicenseNumber:   "PRC-0012",
		YearEstablished: intPtr(2016),
		NumberOfDoctors: intPtr(1),
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, v[HasContext])
	assert.Equal(t, 1.0, v[HasWebsite])
	assert.Equal(t, 1.0, v[HasLicense])
	assert.Equal(t, 0.0, v[HasAccreditation])
	assert.Equal(t, 10.0, v[YearsInBusiness])
	assert.Equal(t, 1.0, v[IsSoloPractice])
	assert.InDelta(t, 0.8, v[ContextCompleteness], 1e-9)
}

func TestExtractFutureYearFloorsAtZero(t *testing.T) {
	v, err := newTestExtractor().Extract(models.Snapshot{SessionID: "s1"}, &models.EntityContext{
		YearEstablished: intPtr(2031),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v[YearsInBusiness])
}

func TestExtractRejectsInvalidSnapshot(t *testing.T) {
	_, err := newTestExtractor().Extract(models.Snapshot{SessionID: "s1", MouseMoveCount: -4}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidSnapshot))

	_, err = newTestExtractor().Extract(models.Snapshot{}, nil)
	assert.True(t, errors.Is(err, models.ErrInvalidSnapshot))
}

func TestExtractIsDeterministic(t *testing.T) {
	snap := models.Snapshot{SessionID: "s1", MouseMoveCount: 77, KeyPressCount: 9, TimeOnPageSeconds: 13.7, InteractionScore: 0.41, IdleRatio: 0.33}
	ctx := &models.EntityContext{Website: "x", YearEstablished: intPtr(1999)}
	a, err := newTestExtractor().Extract(snap, ctx)
	require.NoError(t, err)
	b, err := newTestExtractor().Extract(snap, ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExtractStaysWithinBounds(t *testing.T) {
	e := newTestExtractor()
	f := func(mouse, keys int64, seconds, score, idle, suppliedRate float64, useRate bool, year int16, doctors int8, withCtx bool) bool {
		snap := models.Snapshot{
			SessionID:         "prop",
			MouseMoveCount:    abs64(mouse),
			KeyPressCount:     abs64(keys),
			TimeOnPageSeconds: math.Abs(seconds),
			InteractionScore:  math.Abs(score),
			IdleRatio:         math.Abs(idle),
		}
		if useRate {
			snap.MouseMoveRate = floatPtr(math.Abs(suppliedRate))
		}
		var ctx *models.EntityContext
		if withCtx {
			y, d := int(year), int(doctors)
			ctx = &models.EntityContext{YearEstablished: &y, NumberOfDoctors: &d}
		}
		v, err := e.Extract(snap, ctx)
		if err != nil {
			return false
		}
		for name, val := range v {
			b, ok := Bounds[name]
			if !ok || math.IsNaN(val) || val < b.Min || val > b.Max {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(f, nil))
}

func abs64(v int64) int64 {
	if v < 0 {
		if v == math.MinInt64 {
			return math.MaxInt64
		}
		return -v
	}
	return v
}
