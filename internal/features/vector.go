// Package features turns a telemetry snapshot and optional entity context
// into a bounded, NaN-free feature vector.
package features

// Feature names. Bounds are enforced by the Extractor.
const (
	TimeOnPageSeconds   = "time_on_page_seconds" // [0, MaxTimeOnPage]
	InteractionScore    = "interaction_score"    // [0, 1]
	IdleRatio           = "idle_ratio"           // [0, 1]
	MouseMoveRate       = "mouse_move_rate"      // [0, MaxRate]
	KeyPressRate        = "key_press_rate"       // [0, MaxRate]
	HasContext          = "has_context"          // {0, 1}
	HasWebsite          = "has_website"          // {0, 1}
	HasLicense          = "has_license"          // {0, 1}
	HasAccreditation    = "has_accreditation"    // {0, 1}
	YearsInBusiness     = "years_in_business"    // [0, MaxYearsInBusiness]
	IsSoloPractice      = "is_solo_practice"     // {0, 1}
	ContextCompleteness = "context_completeness" // [0, 1]
)

const (
	MaxTimeOnPage      = 3600.0
	MaxRate            = 200.0
	MaxYearsInBusiness = 500.0

	// MinRateWindowSeconds is the smallest denominator used for rates. Below
	// it the page was submitted too fast for a human and the rate features
	// take RateSentinel.
	MinRateWindowSeconds = 1.0
	RateSentinel         = 0.0
)

// Bound is the closed interval a feature must stay within.
type Bound struct {
	Min, Max float64
}

// Bounds documents the valid range of every feature.
var Bounds = map[string]Bound{
	TimeOnPageSeconds:   {0, MaxTimeOnPage},
	InteractionScore:    {0, 1},
	IdleRatio:           {0, 1},
	MouseMoveRate:       {0, MaxRate},
	KeyPressRate:        {0, MaxRate},
	HasContext:          {0, 1},
	HasWebsite:          {0, 1},
	HasLicense:          {0, 1},
	HasAccreditation:    {0, 1},
	YearsInBusiness:     {0, MaxYearsInBusiness},
	IsSoloPractice:      {0, 1},
	ContextCompleteness: {0, 1},
}

// Vector maps feature names to normalized values. Optional features are
// absent rather than zero when their input was not supplied.
type Vector map[string]float64

// Get returns the feature value and whether it is present.
func (v Vector) Get(name string) (float64, bool) {
	f, ok := v[name]
	return f, ok
}

// Flag reports whether a {0,1} feature is set.
func (v Vector) Flag(name string) bool {
	return v[name] >= 1
}

// Copy returns an independent copy.
func (v Vector) Copy() Vector {
	out := make(Vector, len(v))
	for k, f := range v {
		out[k] = f
	}
	return out
}
