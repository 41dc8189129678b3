package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// and the address service translates them into domain errors.
//
//   - ErrNotFound: person or segment does not exist
//   - ErrConflict: a write lost against a storage constraint (second open segment)
//   - ErrUnavailable: backing service temporarily unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
