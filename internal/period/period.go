// Package period resolves the monthly accounting periods the ledger is keyed
// by. A period is the string "YYYY-MM" of a moment in UTC. The server clock is
// authoritative everywhere; client-supplied timestamps are never used to pick
// a period.
package period

import (
	"fmt"
	"time"
)

// layout is the Go reference form of a period string.
const layout = "2006-01"

// Current returns the period containing now, resolved in UTC.
func Current(now time.Time) string {
	return now.UTC().Format(layout)
}

// Previous returns the period immediately before p. It returns an error when
// p is not a valid period string.
func Previous(p string) (string, error) {
	t, err := time.Parse(layout, p)
	if err != nil {
		return "", fmt.Errorf("parsing period %q: %w", p, err)
	}
	return t.AddDate(0, -1, 0).Format(layout), nil
}

// Valid reports whether p is a well-formed period string.
func Valid(p string) bool {
	_, err := time.Parse(layout, p)
	return err == nil
}
