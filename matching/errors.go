package matching

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned when there are no trace points or no edges.
	ErrEmptyInput = errors.New("trace points and road edges must not be empty")

	// ErrDuplicateEdge is returned when two edges share an edge id.
	ErrDuplicateEdge = errors.New("duplicate edge id")

	// ErrDuplicatePoint is returned when two trace points share an index.
	ErrDuplicatePoint = errors.New("duplicate trace point index")

	// ErrMixedRecordings is returned when trace points from more than one
	// recording are matched together.
	ErrMixedRecordings = errors.New("trace points belong to more than one recording")
)

// InvalidRadiusError indicates a search radius that is not a positive,
// finite number of meters.
type InvalidRadiusError struct {
	Radius float64
}

func (e *InvalidRadiusError) Error() string {
	return fmt.Sprintf("invalid search radius: %g (must be > 0 meters)", e.Radius)
}
