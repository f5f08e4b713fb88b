package imap

import "strconv"

// UID is the server-assigned, strictly increasing identifier of a message within one validity epoch of a mailbox.
type UID uint32

// UIDValidity is the server-assigned epoch identifier of a mailbox. A change invalidates every UID seen before.
type UIDValidity uint32

// ModSeq is the server's per-mailbox modification sequence, present only when the server supports incremental resync.
type ModSeq uint64

func (u UID) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

func (v UIDValidity) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

func (m ModSeq) String() string {
	return strconv.FormatUint(uint64(m), 10)
}

// UIDRange is an inclusive range of UIDs. A zero Stop means "up to the largest UID".
type UIDRange struct {
	Start, Stop UID
}

func (r UIDRange) Contains(uid UID) bool {
	if uid < r.Start {
		return false
	}

	return r.Stop == 0 || uid <= r.Stop
}

// SortedUIDs reports whether the list is strictly increasing, i.e. sorted and without duplicates.
func SortedUIDs(uids []UID) bool {
	for i := 1; i < len(uids); i++ {
		if uids[i] <= uids[i-1] {
			return false
		}
	}

	return true
}
