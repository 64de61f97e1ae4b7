package domain

// Transition decides whether moving an admission request from cur to next is allowed.
//
//   - pending  -> accepted | rejected : changed
//   - accepted -> accepted           : allowed, no change (idempotent accept)
//   - anything else                  : ErrInvalidTransition (rejected is terminal)
func Transition(cur, next AdmissionStatus) (changed bool, err error) {
	if next != StatusAccepted && next != StatusRejected {
		return false, ErrInvalidTransition
	}
	switch cur {
	case StatusPending:
		return true, nil
	case StatusAccepted:
		if next == StatusAccepted {
			return false, nil
		}
	}
	return false, ErrInvalidTransition
}

// PendingMax is the optional soft cap on pending requests, derived from capacity.
//
// Semantics:
// - capacity <= 0: 0 (no slots, the hard capacity check rejects anyway)
// - otherwise: min(absCap, max(minCap, capacity*mult))
func PendingMax(capacity int) int {
	if capacity <= 0 {
		return 0
	}

	const (
		absCap = 100
		minCap = 20
		mult   = 3
	)

	max := capacity * mult
	if max < minCap {
		max = minCap
	}
	if max > absCap {
		max = absCap
	}
	return max
}
