package world

import "fmt"

// ProximityErrorKind classifies proximity precondition failures.
type ProximityErrorKind int

const (
	// ProximityOutOfRange: a pair of entities is farther apart than allowed.
	ProximityOutOfRange ProximityErrorKind = iota
	// ProximityNotFound: an entity id has no current chunk mapping.
	ProximityNotFound
)

// ProximityError rejects a single spatial interaction request. It gates
// interaction handlers so stale client-reported coordinates cannot produce
// action at a distance.
type ProximityError struct {
	Kind     ProximityErrorKind
	ID       EntityID
	OtherID  EntityID
	Distance uint32
	Range    uint32
}

func (e *ProximityError) Error() string {
	switch e.Kind {
	case ProximityOutOfRange:
		return fmt.Sprintf("%v is too far from %v (%d > %d)", e.ID, e.OtherID, e.Distance, e.Range)
	case ProximityNotFound:
		return fmt.Sprintf("entity %v is not in the world", e.ID)
	default:
		return "proximity check failed"
	}
}
