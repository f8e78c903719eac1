package store

import "qms/sector-queue/internal/models"

var transitionMap = map[string][]string{
	"call_next": {models.StatusWaiting},
}

// ValidTransition reports whether action may be applied to a ticket in fromStatus.
// Tickets only ever move WAITING -> CALLED.
func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
