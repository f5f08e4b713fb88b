package imap

import "strings"

// Role is the semantic purpose of a mailbox.
type Role string

const (
	RoleInbox   Role = "inbox"
	RoleSent    Role = "sent"
	RoleDrafts  Role = "drafts"
	RoleTrash   Role = "trash"
	RoleJunk    Role = "junk"
	RoleArchive Role = "archive"
	RoleAll     Role = "all"
	RoleCustom  Role = "custom"
)

const Inbox = "INBOX"

var specialUseRoles = map[string]Role{
	`\sent`:    RoleSent,
	`\drafts`:  RoleDrafts,
	`\trash`:   RoleTrash,
	`\junk`:    RoleJunk,
	`\archive`: RoleArchive,
	`\all`:     RoleAll,
}

var nameRoles = map[string]Role{
	"sent":          RoleSent,
	"sent items":    RoleSent,
	"sent messages": RoleSent,
	"sent mail":     RoleSent,
	"drafts":        RoleDrafts,
	"draft":         RoleDrafts,
	"trash":         RoleTrash,
	"deleted items": RoleTrash,
	"bin":           RoleTrash,
	"junk":          RoleJunk,
	"spam":          RoleJunk,
	"junk e-mail":   RoleJunk,
	"archive":       RoleArchive,
	"archives":      RoleArchive,
	"all mail":      RoleAll,
}

// ResolveRole determines the role of a mailbox. Special-use attributes win over name heuristics;
// the inbox is recognised by name alone since servers never annotate it.
func ResolveRole(name, delimiter string, attrs []string) Role {
	if strings.EqualFold(name, Inbox) {
		return RoleInbox
	}

	for _, attr := range attrs {
		if role, ok := specialUseRoles[strings.ToLower(attr)]; ok {
			return role
		}
	}

	leaf := name
	if delimiter != "" {
		if idx := strings.LastIndex(name, delimiter); idx >= 0 {
			leaf = name[idx+len(delimiter):]
		}
	}

	if role, ok := nameRoles[strings.ToLower(strings.TrimSpace(leaf))]; ok {
		return role
	}

	return RoleCustom
}
