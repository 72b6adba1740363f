package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
)

func TestNewProducesHexKey(t *testing.T) {
	id := New()
	require.Len(t, id.Key(), KeyLength)
	assert.Equal(t, strings.ToLower(id.Key()), id.Key())
	assert.NotContains(t, id.Key(), "-")
	assert.False(t, id.IsZero())
	assert.Equal(t, id.Key()[:8], id.Short())
}

func TestNewIsUniqueAcrossManyInstances(t *testing.T) {
	const total = 10000
	seen := make(map[string]struct{}, total)
	for i := 0; i < total; i++ {
		seen[New().Key()] = struct{}{}
	}
	assert.Len(t, seen, total)
}

func TestKeyIsStable(t *testing.T) {
	id := New()
	assert.Equal(t, id.Key(), id.Key())
	assert.Equal(t, id.Key(), id.String())
}

func TestFromKey(t *testing.T) {
	original := New()
	adopted, err := FromKey(" " + strings.ToUpper(original.Key()) + " ")
	require.NoError(t, err)
	assert.Equal(t, original, adopted)

	for _, bad := range []string{"", "abc", strings.Repeat("z", KeyLength)} {
		_, err := FromKey(bad)
		assert.True(t, errors.Is(err, errs.ErrInvalidIdentityKey), bad)
	}
}

func TestMustFromKeyPanics(t *testing.T) {
	assert.Panics(t, func() { MustFromKey("nope") })
	assert.NotPanics(t, func() { MustFromKey(strings.Repeat("ab", 32)) })
}

func TestZeroIdentity(t *testing.T) {
	var id Identity
	assert.True(t, id.IsZero())
	assert.Empty(t, id.Short())
}
