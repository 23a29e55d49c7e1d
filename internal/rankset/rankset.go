// Package rankset parses and represents the user-supplied "--select" string
// that picks which MPI ranks a debugger is attached to.
package rankset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RankSet is an ordered set of non-negative, distinct rank numbers. It is
// built once at startup from a human string such as "0,3-5,8" and is never
// mutated afterwards.
type RankSet struct {
	ranks []int
	has   map[int]bool
}

// Parse builds a RankSet from a string like "0,3-5,8". Every rank produced
// must be strictly less than total, the job's overall rank count; Parse
// rejects the string otherwise so a typo in --select can never silently
// reference a rank that doesn't exist.
func Parse(s string, total int) (RankSet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RankSet{has: map[int]bool{}}, nil
	}

	seen := map[int]bool{}
	var ordered []int
	add := func(r int) error {
		if r < 0 {
			return fmt.Errorf("rankset: negative rank %d", r)
		}
		if r >= total {
			return fmt.Errorf("rankset: rank %d is out of range for %d ranks", r, total)
		}
		if !seen[r] {
			seen[r] = true
			ordered = append(ordered, r)
		}
		return nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return RankSet{}, fmt.Errorf("rankset: invalid range %q: %w", part, err)
			}
			hiN, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return RankSet{}, fmt.Errorf("rankset: invalid range %q: %w", part, err)
			}
			if hiN < loN {
				return RankSet{}, fmt.Errorf("rankset: invalid range %q: end before start", part)
			}
			for r := loN; r <= hiN; r++ {
				if err := add(r); err != nil {
					return RankSet{}, err
				}
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return RankSet{}, fmt.Errorf("rankset: invalid rank %q: %w", part, err)
		}
		if err := add(n); err != nil {
			return RankSet{}, err
		}
	}

	sort.Ints(ordered)
	return RankSet{ranks: ordered, has: seen}, nil
}

// Contains reports whether rank is a member of the set.
func (r RankSet) Contains(rank int) bool {
	return r.has[rank]
}

// Len returns the number of ranks in the set.
func (r RankSet) Len() int {
	return len(r.ranks)
}

// Ranks returns the ordered, de-duplicated rank list. The caller must not
// mutate the returned slice.
func (r RankSet) Ranks() []int {
	return r.ranks
}

// String reconstructs a compact string form, used for mdb_conn_response's
// select_str so the controller can echo what's actually debuggable.
func (r RankSet) String() string {
	if len(r.ranks) == 0 {
		return ""
	}
	var parts []string
	start := r.ranks[0]
	prev := r.ranks[0]
	flush := func(end int) {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, n := range r.ranks[1:] {
		if n == prev+1 {
			prev = n
			continue
		}
		flush(prev)
		start, prev = n, n
	}
	flush(prev)
	return strings.Join(parts, ",")
}
