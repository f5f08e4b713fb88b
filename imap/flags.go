package imap

import (
	"strings"

	"github.com/bradenaw/juniper/xslices"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// FlagSet is a set of message flags and server-specific keywords/labels.
// Flags compare case-insensitively and the first spelling added is preserved.
type FlagSet map[string]string

func NewFlagSet(flags ...string) FlagSet {
	fs := make(FlagSet, len(flags))

	for _, flag := range flags {
		fs.add(flag)
	}

	return fs
}

func (fs FlagSet) Len() int {
	return len(fs)
}

// ToSlice returns the flags in the set as a sorted copy.
func (fs FlagSet) ToSlice() []string {
	flags := maps.Values(fs)

	slices.Sort(flags)

	return flags
}

func (fs FlagSet) Contains(flag string) bool {
	_, ok := fs[strings.ToLower(flag)]

	return ok
}

func (fs FlagSet) ContainsAny(flags ...string) bool {
	return xslices.IndexFunc(flags, fs.Contains) >= 0
}

func (fs FlagSet) Equals(other FlagSet) bool {
	if fs.Len() != other.Len() {
		return false
	}

	for key := range fs {
		if _, ok := other[key]; !ok {
			return false
		}
	}

	return true
}

// Add returns a copy of the set with the given flags added.
func (fs FlagSet) Add(flags ...string) FlagSet {
	return fs.clone().add(flags...)
}

// Remove returns a copy of the set with the given flags removed.
func (fs FlagSet) Remove(flags ...string) FlagSet {
	return fs.clone().remove(flags...)
}

// Apply returns the set obtained by adding then removing the given flags.
func (fs FlagSet) Apply(add, remove []string) FlagSet {
	return fs.clone().add(add...).remove(remove...)
}

// Diff returns the flags which must be added to and removed from fs to obtain target.
func (fs FlagSet) Diff(target FlagSet) (add, remove []string) {
	for key, flag := range target {
		if _, ok := fs[key]; !ok {
			add = append(add, flag)
		}
	}

	for key, flag := range fs {
		if _, ok := target[key]; !ok {
			remove = append(remove, flag)
		}
	}

	slices.Sort(add)
	slices.Sort(remove)

	return add, remove
}

func (fs FlagSet) add(flags ...string) FlagSet {
	for _, flag := range flags {
		if flag == "" {
			continue
		}

		key := strings.ToLower(flag)

		if _, ok := fs[key]; !ok {
			fs[key] = flag
		}
	}

	return fs
}

func (fs FlagSet) remove(flags ...string) FlagSet {
	for _, flag := range flags {
		delete(fs, strings.ToLower(flag))
	}

	return fs
}

func (fs FlagSet) clone() FlagSet {
	return NewFlagSet(fs.ToSlice()...)
}
