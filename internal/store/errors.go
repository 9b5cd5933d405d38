package store

import (
	"context"
	"errors"
	"net"

	"github.com/lib/pq"
)

// IsRetryable separates transient infrastructure failures from permanent data
// errors. Connection loss, serialization conflicts and resource exhaustion
// are worth another attempt; constraint violations, bad data and schema
// mismatches are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exceptions
			"40", // transaction rollback (serialization, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (shutdown in progress)
			return true
		}
		return false
	}

	// Driver-level failures before a SQLSTATE exists (e.g. driver.ErrBadConn)
	// are connection problems.
	return true
}
