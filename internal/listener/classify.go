package listener

import (
	"strings"

	"botfleet/internal/store"
)

// Classification buckets message authors for the response decision.
type Classification string

const (
	ClassSafe      Classification = "safe"
	ClassConcerned Classification = "concerned"
	ClassUnknown   Classification = "unknown"
)

// UserClassifier sorts authors into safe/concerned/unknown from config-driven
// lists. Concerned wins over safe when a user appears in both.
type UserClassifier struct {
	safeIDs      map[string]struct{}
	safeNames    map[string]struct{}
	concernedIDs map[string]struct{}
	concernNames map[string]struct{}
	safeDomains  []string
}

// NewUserClassifier builds a classifier from id-or-handle lists and email
// domains. Entries that look like user IDs (U/W prefix) match on id,
// everything else matches name, display name or handle, case-insensitively.
func NewUserClassifier(safe, concerned, safeEmailDomains []string) *UserClassifier {
	c := &UserClassifier{
		safeIDs:      make(map[string]struct{}),
		safeNames:    make(map[string]struct{}),
		concernedIDs: make(map[string]struct{}),
		concernNames: make(map[string]struct{}),
	}
	split := func(entries []string, ids, names map[string]struct{}) {
		for _, e := range entries {
			e = strings.TrimPrefix(strings.TrimSpace(e), "@")
			if e == "" {
				continue
			}
			if looksLikeUserID(e) {
				ids[e] = struct{}{}
			} else {
				names[strings.ToLower(e)] = struct{}{}
			}
		}
	}
	split(safe, c.safeIDs, c.safeNames)
	split(concerned, c.concernedIDs, c.concernNames)
	for _, d := range safeEmailDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d != "" {
			c.safeDomains = append(c.safeDomains, d)
		}
	}
	return c
}

// Classify returns the bucket for a user. A nil user is unknown.
func (c *UserClassifier) Classify(u *store.User) Classification {
	if u == nil {
		return ClassUnknown
	}
	if c.inList(u, c.concernedIDs, c.concernNames) {
		return ClassConcerned
	}
	if c.inList(u, c.safeIDs, c.safeNames) {
		return ClassSafe
	}
	if at := strings.LastIndex(u.Email, "@"); at >= 0 {
		domain := strings.ToLower(u.Email[at+1:])
		for _, d := range c.safeDomains {
			if domain == d {
				return ClassSafe
			}
		}
	}
	return ClassUnknown
}

func (c *UserClassifier) inList(u *store.User, ids, names map[string]struct{}) bool {
	if _, ok := ids[u.ID]; ok {
		return true
	}
	for _, n := range []string{u.Name, u.DisplayName, u.RealName} {
		if n == "" {
			continue
		}
		if _, ok := names[strings.ToLower(n)]; ok {
			return true
		}
	}
	return false
}

func looksLikeUserID(s string) bool {
	if len(s) < 7 || (s[0] != 'U' && s[0] != 'W') {
		return false
	}
	for _, r := range s[1:] {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
