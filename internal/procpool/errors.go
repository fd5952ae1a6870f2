package procpool

import (
	"errors"
	"fmt"
)

// Reject reasons, also used as metric labels.
const (
	ReasonCapacity     = "capacity"
	ReasonMemoryGuard  = "memory_guard"
	ReasonFDGuard      = "fd_guard"
	ReasonRateLimited  = "rate_limited"
	ReasonSpawnTimeout = "spawn_timeout"
)

// ErrPoolClosed is returned once graceful shutdown has been requested.
var ErrPoolClosed = errors.New("procpool: pool closed")

// RejectError carries the guard that refused a spawn.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("procpool: rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("procpool: rejected (%s): %s", e.Reason, e.Detail)
}

// RejectReason extracts the guard name from err, or "" when err is not a
// pool rejection.
func RejectReason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
