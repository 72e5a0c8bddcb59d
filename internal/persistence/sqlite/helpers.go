package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/checkin-scanner/internal/persistence"
)

// timeLayout is the storage format for timestamps. The fractional seconds are
// fixed-width so lexicographic order over the stored TEXT matches time order;
// RFC3339Nano drops trailing zeros, which would sort whole-second values after
// every sub-second value in the same second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q: %v", persistence.ErrCorrupt, value, err)
	}
	return t, nil
}

func containsAny(value string, candidates []string) bool {
	for _, candidate := range candidates {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// mapError translates SQLite driver errors into persistence sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	if containsAny(errStr, []string{"UNIQUE constraint failed", "PRIMARY KEY"}) {
		return persistence.ErrDuplicate
	}
	if containsAny(errStr, []string{"CHECK constraint failed", "NOT NULL constraint failed", "FOREIGN KEY constraint failed"}) {
		return persistence.ErrConstraintViolation
	}

	return err
}
