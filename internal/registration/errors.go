package registration

import "errors"

var (
	// ErrInvalidImageShape is returned for rasters that are not row x col [x channel].
	ErrInvalidImageShape = errors.New("invalid image shape")
	// ErrNoCandidateFound means the catalog search collapsed to an empty set.
	ErrNoCandidateFound = errors.New("no candidate correspondence found")
	// ErrCandidateSetTooLarge guards the correspondence search against noisy detections.
	ErrCandidateSetTooLarge = errors.New("candidate set too large")
	// ErrSingularSystem is returned when the normal equations cannot be inverted.
	ErrSingularSystem = errors.New("singular system")
	// ErrInvalidCatalog covers malformed catalogs and anchor selections.
	ErrInvalidCatalog = errors.New("invalid catalog")
	// ErrInvalidOptions reports detector settings outside their domain.
	ErrInvalidOptions = errors.New("invalid options")
)
