package cid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a := New()
	b := New()
	require.Len(t, a, 36)
	u, err := uuid.Parse(a)
	require.NoError(t, err, "not a uuid: %q", a)
	require.Equal(t, uuid.Version(4), u.Version())
	require.NotEqual(t, a, b)
}
