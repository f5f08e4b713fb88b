package imap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFlagSet(t *testing.T) {
	require.Equal(t, 0, NewFlagSet().Len())
	require.ElementsMatch(t, []string{"flag1"}, NewFlagSet("flag1", "flag1", "FLAG1").ToSlice())
	require.ElementsMatch(t, []string{"flag1", "FLAG2"}, NewFlagSet("flag1", "FLAG2", "flag2", "FLAG1").ToSlice())
	require.Equal(t, 0, NewFlagSet("").Len())
}

func TestFlagSet_Contains(t *testing.T) {
	fs := NewFlagSet(FlagSeen, "$Label1")

	require.True(t, fs.Contains(`\seen`))
	require.True(t, fs.Contains("$LABEL1"))
	require.False(t, fs.Contains(FlagFlagged))
	require.True(t, fs.ContainsAny(FlagFlagged, FlagSeen))
	require.False(t, fs.ContainsAny(FlagFlagged, FlagDraft))
}

func TestFlagSet_AddRemoveDoNotMutate(t *testing.T) {
	fs := NewFlagSet(FlagSeen)

	added := fs.Add(FlagFlagged)
	removed := fs.Remove(FlagSeen)

	require.True(t, fs.Equals(NewFlagSet(FlagSeen)))
	require.True(t, added.Equals(NewFlagSet(FlagSeen, FlagFlagged)))
	require.Equal(t, 0, removed.Len())
}

func TestFlagSet_Apply(t *testing.T) {
	fs := NewFlagSet(FlagSeen, FlagDraft)

	require.True(t, fs.Apply([]string{FlagFlagged}, []string{`\DRAFT`}).Equals(NewFlagSet(FlagSeen, FlagFlagged)))
}

func TestFlagSet_Diff(t *testing.T) {
	local := NewFlagSet(FlagSeen, FlagDraft)
	remote := NewFlagSet(`\SEEN`, FlagFlagged)

	add, remove := local.Diff(remote)

	require.Equal(t, []string{FlagFlagged}, add)
	require.Equal(t, []string{FlagDraft}, remove)

	add, remove = local.Diff(local)
	require.Empty(t, add)
	require.Empty(t, remove)
}
