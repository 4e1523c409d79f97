package data

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSourceValid(t *testing.T) {
	for _, s := range []Source{SourceReceived, SourceGenerated, SourceNone} {
		require.True(t, s.Valid(), s)
	}
	require.False(t, Source("other").Valid())
	require.False(t, Source("").Valid())
}

func TestEntriesCloneIsDeep(t *testing.T) {
	es := Entries{{ID: "1", Path: "/a"}}
	c := es.Clone()
	c[0].Path = "/b"
	require.Equal(t, "/a", es[0].Path)
	require.Nil(t, (*Entry)(nil).Clone())
}

func TestEntryJSON(t *testing.T) {
	e := &Entry{ID: "1", Source: SourceNone, Method: "GET", Path: "/", Status: 200, CreatedAt: time.Unix(0, 0).UTC()}
	var buf bytes.Buffer
	require.NoError(t, e.ToJSON(&buf))
	require.NotContains(t, buf.String(), "correlationId")
	require.Contains(t, buf.String(), `"source":"none"`)
}
