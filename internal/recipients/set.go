package recipients

import "sort"

// Set is a deduplicated collection of user ids.
type Set map[string]struct{}

// NewSet builds a set from ids, skipping empty strings.
// Params: user ids.
// Returns: populated set.
func NewSet(ids ...string) Set {
	set := make(Set, len(ids))
	for _, id := range ids {
		set.Add(id)
	}
	return set
}

// Add inserts id unless it is empty.
// Params: user id.
// Returns: none.
func (s Set) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// Has reports membership.
// Params: user id.
// Returns: true when id is in set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Remove deletes id.
// Params: user id.
// Returns: none.
func (s Set) Remove(id string) {
	delete(s, id)
}

// Sorted returns members in lexical order.
// Params: none.
// Returns: sorted id slice.
func (s Set) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
