package transcript

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendKeepsOrder(t *testing.T) {
	tr := New(10)
	tr.Append(RoleAssistant, "hello")
	tr.Append(RoleUser, "hi")

	entries := tr.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, RoleAssistant, entries[0].Role)
	assert.Equal(t, "hi", entries[1].Content)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestAppendEvictsOldest(t *testing.T) {
	tr := New(3)
	for i := 0; i < 5; i++ {
		tr.Append(RoleUser, fmt.Sprintf("m%d", i))
	}

	entries := tr.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].Content)
	assert.Equal(t, "m4", entries[2].Content)
}

func TestEntriesIsCopy(t *testing.T) {
	tr := New(0)
	tr.Append(RoleUser, "original")

	entries := tr.Entries()
	entries[0].Content = "mutated"

	assert.Equal(t, "original", tr.Entries()[0].Content)

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
}
