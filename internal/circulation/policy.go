// internal/circulation/policy.go
package circulation

import (
	"os"
	"strconv"
	"time"
)

// Policy carries the circulation limits. Values are injected, not hard-coded,
// so tests can run against varied policies.
type Policy struct {
	// MaxActiveLoans caps a patron's concurrent ACTIVE loans across all books.
	MaxActiveLoans int
	// MaxPendingReservations caps a patron's concurrent PENDING reservations.
	MaxPendingReservations int
	// LoanPeriod is added to the borrow instant to produce the due date.
	LoanPeriod time.Duration
	// ReservationTTL is how long a PENDING reservation may wait before the
	// expiry pass cancels it as EXPIRED.
	ReservationTTL time.Duration
}

// DefaultPolicy returns the library's standing rules.
func DefaultPolicy() Policy {
	return Policy{
		MaxActiveLoans:         3,
		MaxPendingReservations: 3,
		LoanPeriod:             14 * 24 * time.Hour,
		ReservationTTL:         30 * 24 * time.Hour,
	}
}

// PolicyFromEnv reads overrides from the environment, falling back to the
// defaults for anything unset or unparseable.
func PolicyFromEnv() Policy {
	p := DefaultPolicy()
	p.MaxActiveLoans = envInt("CIRC_MAX_ACTIVE_LOANS", p.MaxActiveLoans)
	p.MaxPendingReservations = envInt("CIRC_MAX_PENDING_RESERVATIONS", p.MaxPendingReservations)
	p.LoanPeriod = envDays("CIRC_LOAN_PERIOD_DAYS", p.LoanPeriod)
	p.ReservationTTL = envDays("CIRC_RESERVATION_TTL_DAYS", p.ReservationTTL)
	return p
}

func envInt(key string, fallback int) int {
	if v, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDays(key string, fallback time.Duration) time.Duration {
	if v, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return fallback
}
