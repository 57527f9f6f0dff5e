package models

import "errors"

// Attribution error taxonomy. Per-asset failures wrap these sentinels so the
// engine and its callers can branch with errors.Is.
var (
	// ErrMalformedGeometry marks assets whose coordinates are missing or
	// non-finite. The asset is skipped and retried on a later run.
	ErrMalformedGeometry = errors.New("malformed geometry")

	// ErrZoneNotFound means no zone polygon contains the asset's location.
	ErrZoneNotFound = errors.New("no zone contains location")

	// ErrAmbiguousZone means overlapping zone polygons both contain the
	// asset's location. Surfaced as a data-quality warning, never resolved
	// by silently picking one.
	ErrAmbiguousZone = errors.New("location contained by multiple zones")

	// ErrZoneAllocationConflict means the store rejected a computed facility
	// id because it already exists, which indicates a concurrent writer.
	// Fatal to that zone's batch, not retried within the same run.
	ErrZoneAllocationConflict = errors.New("facility id already exists in zone")

	// ErrRunInProgress means another engine run holds the run lock.
	ErrRunInProgress = errors.New("attribution run already in progress")
)
