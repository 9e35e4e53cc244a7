package sqlite

import (
	"fmt"
	"time"
)

// parseFlexibleTime parses a timestamp written by either this package
// (time.RFC3339Nano, see timeLayout) or by SQLite's own datetime('now')
// format, used by schema_migrations.applied_at and a handful of defaults.
func parseFlexibleTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("sqlite: unparseable timestamp %q", s)
}
