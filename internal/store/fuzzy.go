package store

import (
	"sort"
	"strings"
)

// DefaultFuzzyThreshold is the minimum LCS ratio for a fuzzy match.
const DefaultFuzzyThreshold = 0.7

// Scored pairs a match with its similarity score.
type Scored[T any] struct {
	Value T
	Score float64
}

// lcsRatio is a case-insensitive similarity in [0,1] based on the longest
// common subsequence: 2*LCS / (len(a)+len(b)).
func lcsRatio(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	ra := []rune(a)
	rb := []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// FuzzyFindChannels returns channels whose name is similar to query, best
// first, up to limit.
func (s *Store) FuzzyFindChannels(query string, limit int) ([]Scored[*Channel], error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT id, name, purpose, topic, member_count, is_dm, updated_at FROM cached_channels`)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	var candidates []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		candidates = append(candidates, ch)
	}
	rows.Close()
	s.mu.RUnlock()

	var out []Scored[*Channel]
	for _, ch := range candidates {
		if score := lcsRatio(query, ch.Name); score >= DefaultFuzzyThreshold {
			out = append(out, Scored[*Channel]{Value: ch, Score: score})
		}
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FuzzyFindUsers scores each user by the best of its name fields.
func (s *Store) FuzzyFindUsers(query string, limit int) ([]Scored[*User], error) {
	s.mu.RLock()
	rows, err := s.db.Query(selectUser + ` WHERE deleted = 0`)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	var candidates []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		candidates = append(candidates, u)
	}
	rows.Close()
	s.mu.RUnlock()

	var out []Scored[*User]
	for _, u := range candidates {
		score := lcsRatio(query, u.Name)
		if r := lcsRatio(query, u.RealName); r > score {
			score = r
		}
		if r := lcsRatio(query, u.DisplayName); r > score {
			score = r
		}
		if score >= DefaultFuzzyThreshold {
			out = append(out, Scored[*User]{Value: u, Score: score})
		}
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortScored[T any](s []Scored[T]) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}
