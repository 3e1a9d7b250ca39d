package segments

import "fmt"

// InconsistentIndexError reports a matched index list that is not strictly
// ascending. Uniqueness is guaranteed by the matcher, so this points at a
// bug or corrupt data upstream and is never corrected silently.
type InconsistentIndexError struct {
	EdgeID int64
	Index  int
	Prev   int
}

func (e *InconsistentIndexError) Error() string {
	if e.Index == e.Prev {
		return fmt.Sprintf("edge %d: duplicate matched index %d", e.EdgeID, e.Index)
	}
	return fmt.Sprintf("edge %d: matched index %d follows %d (not ascending)", e.EdgeID, e.Index, e.Prev)
}

// MissingPointError reports a matched index with no trace point geometry.
type MissingPointError struct {
	EdgeID      int64
	RecordingID int64
	Index       int
}

func (e *MissingPointError) Error() string {
	return fmt.Sprintf("edge %d: recording %d has no trace point with index %d", e.EdgeID, e.RecordingID, e.Index)
}
