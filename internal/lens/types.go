package lens

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("lens not found")
	ErrInvalid   = errors.New("invalid lens input")
	ErrCodeSpace = errors.New("lens code space exhausted")
)

// Kind selects which public page a lens links to.
type Kind string

const (
	KindCamera Kind = "camera"
	KindOnline Kind = "online"
)

func (k Kind) Valid() bool { return k == KindCamera || k == KindOnline }

// MaxNameLen bounds Lens.Name (in runes).
const MaxNameLen = 80

// Lens is a codenamed capture endpoint relaying images into a destination chat.
//
// Optional fields use their zero value as "unset": DestinationID 0 means not
// connected, ExpiresAt 0 means no expiry, ShortCode "" means not shortened yet.
type Lens struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	OwnerID       int64  `json:"owner_id"`
	DestinationID int64  `json:"destination_id,omitempty"`
	ExpiresAt     int64  `json:"expires_at,omitempty"` // unix ms
	ShortCode     string `json:"short_code,omitempty"`
	Kind          Kind   `json:"kind"`
	CreatedAt     int64  `json:"created_at,omitempty"` // unix ms
}

func (l Lens) Connected() bool { return l.DestinationID != 0 }

func (l Lens) HasExpiry() bool { return l.ExpiresAt != 0 }

// ExpiredAt reports whether the lens is past its expiry at now.
func (l Lens) ExpiredAt(now time.Time) bool {
	return l.HasExpiry() && now.UnixMilli() > l.ExpiresAt
}

type ShortLink struct {
	Code string
	URL  string
}

// Snapshot is the full registry state written to stable storage.
type Snapshot struct {
	Lenses     []Lens            `json:"lenses"`
	ShortLinks map[string]string `json:"short_links"`
	SavedAt    time.Time         `json:"saved_at"`
}

// Persister loads and saves whole registry snapshots.
//
// Load returns ok=false (and no error) when no snapshot has been written yet.
type Persister interface {
	Load(ctx context.Context) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, snap Snapshot) error
}
