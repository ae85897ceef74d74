package lens

import (
	"strings"
	"time"
)

// ExpiryChoices lists the lifetimes offered to lens owners, shortest first.
var ExpiryChoices = []string{"4h", "10h", "24h", "2d", "3d", "4d"}

// DefaultExpiry is used when a choice cannot be parsed.
const DefaultExpiry = 24 * time.Hour

// ParseExpiry maps an expiry choice to a duration.
func ParseExpiry(choice string) (time.Duration, bool) {
	switch strings.TrimSpace(strings.ToLower(choice)) {
	case "4h":
		return 4 * time.Hour, true
	case "10h":
		return 10 * time.Hour, true
	case "24h":
		return 24 * time.Hour, true
	case "2d":
		return 2 * 24 * time.Hour, true
	case "3d":
		return 3 * 24 * time.Hour, true
	case "4d":
		return 4 * 24 * time.Hour, true
	default:
		return DefaultExpiry, false
	}
}
