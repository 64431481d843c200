package gearman

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uuid36 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestResolveUniqueIdGeneratesUUID(t *testing.T) {
	id, err := resolveUniqueId("")
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.True(t, uuid36.MatchString(id), "got %q", id)
}

func TestResolveUniqueIdKeepsCallerValue(t *testing.T) {
	id, err := resolveUniqueId("my-custom-id")
	require.NoError(t, err)
	assert.Equal(t, "my-custom-id", id)
}

func TestResolveUniqueIdRejectsOverlong(t *testing.T) {
	_, err := resolveUniqueId(strings.Repeat("a", MaxUniqueIdLength+1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNamespacedPrefixesNameOnly(t *testing.T) {
	assert.Equal(t, "X-f", namespaced("X-", "f"))
	assert.Equal(t, "f", namespaced("", "f"))
}
