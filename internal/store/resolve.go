package store

import "strings"

// Resolution is the canonical answer for an arbitrary target reference.
type Resolution struct {
	Type   string `json:"type"` // channel | user | group | unknown
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Found  bool   `json:"found"`
	Source string `json:"source,omitempty"` // which lookup path matched
}

// ResolveTarget canonicalizes an arbitrary reference:
//   - raw provider id prefixes (C/G/D channels, U/W users, S groups)
//   - "#name" channel lookup, exact then case-insensitive
//   - "@name" groups by handle first, then users by any name field
//   - bare name: channel first, then user
func (s *Store) ResolveTarget(ref string) (Resolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Resolution{Type: "unknown"}, nil
	}

	if looksLikeID(ref) {
		return s.resolveID(ref)
	}

	if name, ok := strings.CutPrefix(ref, "#"); ok {
		if ch, err := s.GetChannelByName(name); err == nil {
			return Resolution{Type: "channel", ID: ch.ID, Name: ch.Name, Found: true, Source: "channel-name"}, nil
		}
		return Resolution{Type: "unknown", Name: name}, nil
	}

	if name, ok := strings.CutPrefix(ref, "@"); ok {
		if g, err := s.GetGroupByHandle(name); err == nil {
			return Resolution{Type: "group", ID: g.ID, Name: g.Handle, Found: true, Source: "group-handle"}, nil
		}
		if u, err := s.GetUserByName(name); err == nil {
			return Resolution{Type: "user", ID: u.ID, Name: u.Name, Found: true, Source: "user-name"}, nil
		}
		return Resolution{Type: "unknown", Name: name}, nil
	}

	if ch, err := s.GetChannelByName(ref); err == nil {
		return Resolution{Type: "channel", ID: ch.ID, Name: ch.Name, Found: true, Source: "channel-name"}, nil
	}
	if u, err := s.GetUserByName(ref); err == nil {
		return Resolution{Type: "user", ID: u.ID, Name: u.Name, Found: true, Source: "user-name"}, nil
	}
	return Resolution{Type: "unknown", Name: ref}, nil
}

func (s *Store) resolveID(ref string) (Resolution, error) {
	switch ref[0] {
	case 'C', 'G', 'D':
		if ch, err := s.GetChannel(ref); err == nil {
			return Resolution{Type: "channel", ID: ch.ID, Name: ch.Name, Found: true, Source: "channel-id"}, nil
		}
		// Unknown to the cache, but the shape says channel.
		return Resolution{Type: "channel", ID: ref, Source: "id-shape"}, nil
	case 'U', 'W':
		if u, err := s.GetUser(ref); err == nil {
			return Resolution{Type: "user", ID: u.ID, Name: u.Name, Found: true, Source: "user-id"}, nil
		}
		return Resolution{Type: "user", ID: ref, Source: "id-shape"}, nil
	case 'S':
		return Resolution{Type: "group", ID: ref, Source: "id-shape"}, nil
	}
	return Resolution{Type: "unknown", Name: ref}, nil
}

// looksLikeID matches the provider's id shape: a kind prefix followed by
// at least 6 uppercase alphanumerics.
func looksLikeID(ref string) bool {
	if len(ref) < 7 {
		return false
	}
	switch ref[0] {
	case 'C', 'G', 'D', 'U', 'W', 'S':
	default:
		return false
	}
	for _, r := range ref[1:] {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
