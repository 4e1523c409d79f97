package correlation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultStore(t *testing.T) {
	t.Cleanup(func() { Init(nil) })
	Init(nil)
	require.False(t, IsInited())
	require.PanicsWithValue(t, ErrNotInitialized, func() { ID() })
	require.PanicsWithValue(t, ErrNotInitialized, func() { NewID() })
	require.PanicsWithValue(t, ErrNotInitialized, func() { Bind(nil) })

	s, _ := newStore(t)
	Init(s)
	require.True(t, IsInited())
	require.Same(t, s, Default())
	require.NotEmpty(t, NewID())

	Do(s, "foo", func() {
		id, ok := ID()
		require.True(t, ok)
		require.Equal(t, "foo", id)
	})
}

func TestInfo(t *testing.T) {
	s, _ := newStore(t)
	require.Equal(t, Info{}, s.Info(s.Context()))
	Do(s, "foo", func() {
		require.Equal(t, Info{Current: "foo"}, s.Info(s.Context()))
	})
}
