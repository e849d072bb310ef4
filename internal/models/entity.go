package models

import "strings"

// EntityContext carries business-legitimacy attributes for the registration
// use case (for example a clinic sign-up). It is read-only during scoring and
// is never persisted verbatim.
type EntityContext struct {
	Website         string `json:"website,omitempty"`
	LicenseNumber   string `json:"licenseNumber,omitempty"`
	Accreditation   string `json:"accreditation,omitempty"`
	YearEstablished *int   `json:"yearEstablished,omitempty"`
	NumberOfDoctors *int   `json:"numberOfDoctors,omitempty"`
}

const entityOptionalFields = 5

func (e *EntityContext) HasWebsite() bool {
	return e != nil && strings.TrimSpace(e.Website) != ""
}

func (e *EntityContext) HasLicense() bool {
	return e != nil && strings.TrimSpace(e.LicenseNumber) != ""
}

func (e *EntityContext) HasAccreditation() bool {
	return e != nil && strings.TrimSpace(e.Accreditation) != ""
}

// Completeness is the fraction of optional fields that are present.
func (e *EntityContext) Completeness() float64 {
	if e == nil {
		return 0
	}
	present := 0
	for _, ok := range []bool{
		e.HasWebsite(),
		e.HasLicense(),
		e.HasAccreditation(),
		e.YearEstablished != nil,
		e.NumberOfDoctors != nil,
	} {
		if ok {
			present++
		}
	}
	return float64(present) / entityOptionalFields
}
