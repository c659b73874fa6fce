package types

import (
	"encoding/json"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// StringSet is an unordered set of strings used for worker capabilities and
// per-worker task indexes. It serializes as a sorted JSON array so persisted
// state is byte-stable across runs.
type StringSet struct {
	set mapset.Set[string]
}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	return StringSet{set: mapset.NewThreadUnsafeSet(members...)}
}

func (s *StringSet) ensure() {
	if s.set == nil {
		s.set = mapset.NewThreadUnsafeSet[string]()
	}
}

// Add inserts a member into the set.
func (s *StringSet) Add(member string) {
	s.ensure()
	s.set.Add(member)
}

// Remove deletes a member from the set.
func (s *StringSet) Remove(member string) {
	if s.set != nil {
		s.set.Remove(member)
	}
}

// Contains reports whether member is in the set.
func (s StringSet) Contains(member string) bool {
	return s.set != nil && s.set.Contains(member)
}

// IsSubsetOf reports whether every member of s is in other. The empty set is
// a subset of everything.
func (s StringSet) IsSubsetOf(other StringSet) bool {
	if s.set == nil || s.set.Cardinality() == 0 {
		return true
	}
	if other.set == nil {
		return false
	}
	return s.set.IsSubset(other.set)
}

// Len returns the number of members.
func (s StringSet) Len() int {
	if s.set == nil {
		return 0
	}
	return s.set.Cardinality()
}

// Slice returns the members sorted lexicographically.
func (s StringSet) Slice() []string {
	if s.set == nil {
		return []string{}
	}
	members := s.set.ToSlice()
	sort.Strings(members)
	return members
}

// Clone returns an independent copy of the set.
func (s StringSet) Clone() StringSet {
	if s.set == nil {
		return StringSet{}
	}
	return StringSet{set: s.set.Clone()}
}

// Equal reports whether both sets hold the same members.
func (s StringSet) Equal(other StringSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.set == nil {
		return true
	}
	return s.set.Equal(other.set)
}

// MarshalJSON serializes the set as a sorted array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON reconstitutes the set from an array.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	s.set = mapset.NewThreadUnsafeSet(members...)
	return nil
}
