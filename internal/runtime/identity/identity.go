// Package identity provides the per-process application instance key used to
// stamp relayed events and recognise echoes of our own traffic.
package identity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
)

// KeyLength is the number of hex characters in an instance key.
const KeyLength = 64

// Identity is an immutable application instance key.
type Identity struct {
	key string
}

// New generates a fresh identity from two random UUIDs.
func New() Identity {
	a, b := uuid.New(), uuid.New()
	return Identity{key: hex.EncodeToString(a[:]) + hex.EncodeToString(b[:])}
}

// FromKey adopts an externally supplied key. Keys are normalised to lower case.
func FromKey(key string) (Identity, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if len(key) != KeyLength {
		return Identity{}, fmt.Errorf("%w: got %d characters", errs.ErrInvalidIdentityKey, len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errs.ErrInvalidIdentityKey, err)
	}
	return Identity{key: key}, nil
}

// MustFromKey is FromKey that panics on an invalid key.
func MustFromKey(key string) Identity {
	id, err := FromKey(key)
	if err != nil {
		panic(err)
	}
	return id
}

// Key returns the 64-character hex key.
func (i Identity) Key() string { return i.key }

// IsZero reports whether the identity was never initialised.
func (i Identity) IsZero() bool { return i.key == "" }

// Short returns the first eight characters, for log fields.
func (i Identity) Short() string {
	if len(i.key) < 8 {
		return i.key
	}
	return i.key[:8]
}

func (i Identity) String() string { return i.key }
