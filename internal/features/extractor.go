package features

import (
	"math"
	"time"

	"behavior-gate/internal/models"
)

// Extractor derives feature vectors. It has no side effects; the clock only
// supplies the reference year for years-in-business.
type Extractor struct {
	now func() time.Time
}

// NewExtractor returns an Extractor using the wall clock.
func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

// NewExtractorWithClock returns an Extractor with a fixed reference clock.
func NewExtractorWithClock(now func() time.Time) *Extractor {
	return &Extractor{now: now}
}

// Extract validates snap and builds its feature vector. entity may be nil.
func (e *Extractor) Extract(snap models.Snapshot, entity *models.EntityContext) (Vector, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	s := snap.Normalized()

	v := Vector{
		TimeOnPageSeconds: models.Clamp(s.TimeOnPageSeconds, 0, MaxTimeOnPage),
		InteractionScore:  s.InteractionScore,
		IdleRatio:         s.IdleRatio,
		MouseMoveRate:     rate(s.MouseMoveCount, s.MouseMoveRate, s.TimeOnPageSeconds),
		KeyPressRate:      rate(s.KeyPressCount, nil, s.TimeOnPageSeconds),
		HasContext:        0,
	}

	if entity != nil {
		v[HasContext] = 1
		v[HasWebsite] = boolFeature(entity.HasWebsite())
		v[HasLicense] = boolFeature(entity.HasLicense())
		v[HasAccreditation] = boolFeature(entity.HasAccreditation())
		if entity.YearEstablished != nil {
			years := float64(e.now().Year() - *entity.YearEstablished)
			v[YearsInBusiness] = models.Clamp(years, 0, MaxYearsInBusiness)
		}
		if entity.NumberOfDoctors != nil {
			v[IsSoloPractice] = boolFeature(*entity.NumberOfDoctors <= 1)
		}
	}
	v[ContextCompleteness] = entity.Completeness()

	return v, nil
}

// rate returns events per second, or RateSentinel when the window is too
// short to divide by.
func rate(count int64, supplied *float64, seconds float64) float64 {
	if seconds < MinRateWindowSeconds {
		return RateSentinel
	}
	r := float64(count) / seconds
	if supplied != nil {
		r = *supplied
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return RateSentinel
	}
	return models.Clamp(r, 0, MaxRate)
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
