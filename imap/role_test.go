package imap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveRole(t *testing.T) {
	tests := []struct {
		name  string
		attrs []string
		want  Role
	}{
		{name: "INBOX", want: RoleInbox},
		{name: "inbox", want: RoleInbox},
		{name: "Gesendet", attrs: []string{`\Sent`}, want: RoleSent},
		{name: "Sent Items", want: RoleSent},
		{name: "[Gmail]/Spam", want: RoleJunk},
		{name: "[Gmail]/Important", attrs: []string{`\HasNoChildren`}, want: RoleCustom},
		{name: "Trash", attrs: []string{`\Archive`}, want: RoleArchive},
		{name: "Projects", want: RoleCustom},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResolveRole(tc.name, "/", tc.attrs))
		})
	}
}

func TestCapabilitiesStrategy(t *testing.T) {
	require.Equal(t, Strategy{Steady: SteadyPolling, Resync: ResyncFull}, Capabilities{}.Strategy())
	require.Equal(t, Strategy{Steady: SteadyIdle, Resync: ResyncIncremental}, Capabilities{Idle: true, CondStore: true}.Strategy())
	require.Equal(t, Strategy{Steady: SteadyPolling, Resync: ResyncIncremental}, Capabilities{CondStore: true}.Strategy())
}

func TestSortedUIDs(t *testing.T) {
	require.True(t, SortedUIDs(nil))
	require.True(t, SortedUIDs([]UID{1, 2, 9}))
	require.False(t, SortedUIDs([]UID{1, 1, 2}))
	require.False(t, SortedUIDs([]UID{3, 2}))
	require.True(t, UIDRange{Start: 5}.Contains(100))
	require.False(t, UIDRange{Start: 5, Stop: 7}.Contains(8))
}
