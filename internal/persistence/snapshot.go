// Package persistence round-trips tenant state: the living graph plus
// enough of the active loop cache to resume without a full
// recomputation. The byte format is versioned; unknown versions are
// refused.
package persistence

import (
	"encoding/json"
	"errors"
	"time"

	"barterengine/internal/domain"
	"barterengine/internal/tenant"
)

// FormatVersion is the current snapshot schema version.
const FormatVersion = 1

// ErrNotFound is returned by stores when no snapshot exists for a
// tenant.
var ErrNotFound = errors.New("snapshot not found")

// TenantSnapshot is the serializable state of one tenant.
type TenantSnapshot struct {
	Version    int           `json:"version"`
	TenantID   string        `json:"tenant_id"`
	Config     tenant.Config `json:"config"`
	Generation uint64        `json:"generation"`
	TakenAt    time.Time     `json:"taken_at"`

	Wallets []*domain.Wallet `json:"wallets"`
	NFTs    []*domain.NFT    `json:"nfts"`
	Loops   []*domain.Loop   `json:"loops"`
}

// header is decoded first so version checking does not depend on the
// rest of the schema.
type header struct {
	Version int `json:"version"`
}

// Encode serializes a snapshot, stamping the current format version.
func Encode(s *TenantSnapshot) ([]byte, error) {
	s.Version = FormatVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternalInconsistency, err, "encode snapshot for tenant %s", s.TenantID)
	}
	return data, nil
}

// Decode parses a snapshot, refusing unknown versions with
// IncompatibleSnapshot.
func Decode(data []byte) (*TenantSnapshot, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, domain.Wrap(domain.KindIncompatibleSnapshot, err, "snapshot is not parseable")
	}
	if h.Version != FormatVersion {
		return nil, domain.Errf(domain.KindIncompatibleSnapshot, "snapshot version %d, engine supports %d", h.Version, FormatVersion)
	}

	var s TenantSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, domain.Wrap(domain.KindIncompatibleSnapshot, err, "snapshot body is malformed")
	}
	if s.TenantID == "" {
		return nil, domain.Errf(domain.KindIncompatibleSnapshot, "snapshot has no tenant id")
	}
	return &s, nil
}
