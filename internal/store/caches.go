package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/xerrors"
)

var errNotFound = xerrors.ErrNotFound

// Channel is a cached conversation.
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Purpose     string    `json:"purpose,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	MemberCount int       `json:"member_count"`
	IsDM        bool      `json:"is_dm"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is a cached workspace member.
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RealName    string    `json:"real_name,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	IsBot       bool      `json:"is_bot"`
	Deleted     bool      `json:"deleted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Group is a cached user group; members is an ordered id list.
type Group struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CacheChannels upserts a batch of channels in one transaction.
func (s *Store) CacheChannels(channels []Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin channel cache tx: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO cached_channels (id, name, purpose, topic, member_count, is_dm, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, purpose = excluded.purpose, topic = excluded.topic,
			member_count = excluded.member_count, is_dm = excluded.is_dm,
			updated_at = excluded.updated_at`,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, c := range channels {
		if _, err := stmt.Exec(c.ID, c.Name, c.Purpose, c.Topic, c.MemberCount, c.IsDM, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to cache channel %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// CacheUsers upserts a batch of users in one transaction.
func (s *Store) CacheUsers(users []User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin user cache tx: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO cached_users (id, name, real_name, display_name, email, avatar_url, is_bot, deleted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, real_name = excluded.real_name,
			display_name = excluded.display_name, email = excluded.email,
			avatar_url = excluded.avatar_url, is_bot = excluded.is_bot,
			deleted = excluded.deleted, updated_at = excluded.updated_at`,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, u := range users {
		if _, err := stmt.Exec(u.ID, u.Name, u.RealName, u.DisplayName, u.Email, u.AvatarURL, u.IsBot, u.Deleted, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to cache user %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// CacheGroups upserts a batch of user groups in one transaction.
func (s *Store) CacheGroups(groups []Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin group cache tx: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO cached_groups (id, handle, name, members, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			handle = excluded.handle, name = excluded.name,
			members = excluded.members, updated_at = excluded.updated_at`,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, g := range groups {
		members, err := json.Marshal(g.Members)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to marshal members for %s: %w", g.ID, err)
		}
		if _, err := stmt.Exec(g.ID, g.Handle, g.Name, string(members), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to cache group %s: %w", g.ID, err)
		}
	}
	return tx.Commit()
}

// GetChannel fetches a channel by id.
func (s *Store) GetChannel(id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanChannel(s.db.QueryRow(
		`SELECT id, name, purpose, topic, member_count, is_dm, updated_at FROM cached_channels WHERE id = ?`, id))
}

// GetChannelByName looks up a channel by exact name, then case-insensitive.
func (s *Store) GetChannelByName(name string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, err := scanChannel(s.db.QueryRow(
		`SELECT id, name, purpose, topic, member_count, is_dm, updated_at FROM cached_channels WHERE name = ?`, name))
	if err == nil {
		return ch, nil
	}
	return scanChannel(s.db.QueryRow(
		`SELECT id, name, purpose, topic, member_count, is_dm, updated_at
		 FROM cached_channels WHERE name = ? COLLATE NOCASE LIMIT 1`, name))
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanUser(s.db.QueryRow(selectUser+` WHERE id = ?`, id))
}

// GetUserByName matches any of the user's name fields, case-insensitive.
func (s *Store) GetUserByName(name string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanUser(s.db.QueryRow(
		selectUser+` WHERE (name = ?1 COLLATE NOCASE
			OR real_name = ?1 COLLATE NOCASE
			OR display_name = ?1 COLLATE NOCASE) AND deleted = 0 LIMIT 1`, name))
}

// GetGroupByHandle fetches a group by its @handle.
func (s *Store) GetGroupByHandle(handle string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &Group{}
	var members string
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT id, handle, name, members, updated_at FROM cached_groups
		 WHERE handle = ? COLLATE NOCASE LIMIT 1`, handle,
	).Scan(&g.ID, &g.Handle, &g.Name, &members, &updatedAt)
	if err != nil {
		return nil, mapNoRows(err, "group")
	}
	g.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
		g.Members = nil
	}
	return g, nil
}

// SearchChannels returns channels whose name contains the query substring.
func (s *Store) SearchChannels(query string, limit int) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, purpose, topic, member_count, is_dm, updated_at
		 FROM cached_channels WHERE name LIKE ? ESCAPE '\' ORDER BY name LIMIT ?`,
		"%"+escapeLike(query)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search channels: %w", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SearchUsers returns users matching the query as a substring of any name field.
func (s *Store) SearchUsers(query string, limit int) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pat := "%" + escapeLike(query) + "%"
	rows, err := s.db.Query(
		selectUser+` WHERE (name LIKE ?1 ESCAPE '\' OR real_name LIKE ?1 ESCAPE '\' OR display_name LIKE ?1 ESCAPE '\')
			AND deleted = 0 ORDER BY name LIMIT ?2`, pat, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CacheCounts returns (channels, users, groups) row counts for stats views.
func (s *Store) CacheCounts() (int, int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var channels, users, groups int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cached_channels`).Scan(&channels); err != nil {
		return 0, 0, 0, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cached_users`).Scan(&users); err != nil {
		return 0, 0, 0, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cached_groups`).Scan(&groups); err != nil {
		return 0, 0, 0, err
	}
	return channels, users, groups, nil
}

// ListUsersWithAvatars returns non-deleted users that have an avatar URL.
func (s *Store) ListUsersWithAvatars() ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(selectUser + ` WHERE avatar_url != '' AND deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const selectUser = `SELECT id, name, real_name, display_name, email, avatar_url, is_bot, deleted, updated_at FROM cached_users`

func scanChannel(row rowScanner) (*Channel, error) {
	ch := &Channel{}
	var updatedAt int64
	err := row.Scan(&ch.ID, &ch.Name, &ch.Purpose, &ch.Topic, &ch.MemberCount, &ch.IsDM, &updatedAt)
	if err != nil {
		return nil, mapNoRows(err, "channel")
	}
	ch.UpdatedAt = time.UnixMilli(updatedAt)
	return ch, nil
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var updatedAt int64
	err := row.Scan(&u.ID, &u.Name, &u.RealName, &u.DisplayName, &u.Email, &u.AvatarURL, &u.IsBot, &u.Deleted, &updatedAt)
	if err != nil {
		return nil, mapNoRows(err, "user")
	}
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return u, nil
}

func mapNoRows(err error, kind string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", kind, errNotFound)
	}
	return err
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
