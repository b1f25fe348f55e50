// Package auth maps bearer tokens to permission groups and identifies which
// groups hold admin privileges.
package auth

import "sync/atomic"

// GroupEntry is one group's token set, in file order. Order matters: when
// the same token appears in more than one group the first group to claim it
// (by this order) wins — an intentionally undefined-but-deterministic
// collision rule, matching the reference implementation's dict-iteration
// behaviour.
type GroupEntry struct {
	Group  string
	Tokens []string
}

// snapshot is the table swapped atomically by Rebuild.
type snapshot struct {
	tokenToGroup map[string]string
	admins       map[string]struct{}
}

// Directory resolves bearer tokens to group names. Copy-on-reload: readers
// see a consistent snapshot via an atomic pointer swap, never a lock.
type Directory struct {
	current atomic.Pointer[snapshot]
}

// NewDirectory builds a Directory from ordered group entries and a list of
// admin group names.
func NewDirectory(groups []GroupEntry, adminGroups []string) *Directory {
	d := &Directory{}
	d.current.Store(buildSnapshot(groups, adminGroups))
	return d
}

func buildSnapshot(groups []GroupEntry, adminGroups []string) *snapshot {
	s := &snapshot{
		tokenToGroup: make(map[string]string),
		admins:       make(map[string]struct{}, len(adminGroups)),
	}
	for _, g := range adminGroups {
		s.admins[g] = struct{}{}
	}
	for _, entry := range groups {
		for _, tok := range entry.Tokens {
			if _, claimed := s.tokenToGroup[tok]; claimed {
				continue // first group (by file order) to claim a token wins
			}
			s.tokenToGroup[tok] = entry.Group
		}
	}
	return s
}

// GroupForToken returns the group owning token, and whether it was found.
func (d *Directory) GroupForToken(token string) (string, bool) {
	group, ok := d.current.Load().tokenToGroup[token]
	return group, ok
}

// IsAdmin reports whether group is one of the configured admin groups.
func (d *Directory) IsAdmin(group string) bool {
	_, ok := d.current.Load().admins[group]
	return ok
}

// Rebuild atomically swaps in a new token/group table.
func (d *Directory) Rebuild(groups []GroupEntry, adminGroups []string) {
	d.current.Store(buildSnapshot(groups, adminGroups))
}
