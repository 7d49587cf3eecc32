package intelligence

import "errors"

var (
	errPrimaryZoneMissing = errors.New("intelligence: primary_zone set but no matching zone present")

	// ErrLowConfidenceExtraction signals the caller that Extract returned
	// fewer than 2 items at low confidence — a recalibration candidate.
	ErrLowConfidenceExtraction = errors.New("intelligence: extraction yielded too few items at low confidence")
)
