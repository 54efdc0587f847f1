// Package provider declares the narrow interfaces the daemons consume from
// external collaborators (messaging, calendar, browser, media devices) and
// the concrete Slack adapter. Wire clients beyond these capability sets are
// out of scope for the core.
package provider

import (
	"context"
	"time"

	"botfleet/internal/store"
)

// Message is one inbound conversation message.
type Message struct {
	Timestamp string // opaque, lexicographically ordered within the channel
	ThreadTS  string // parent timestamp when the message is a threaded reply
	UserID    string
	BotID     string // non-empty for bot-authored messages
	Text      string
	Raw       string // provider payload, kept for audit
}

// MessagingProvider is the capability set the listener and syncer consume.
// History reads are returned oldest-first; implementations consume provider
// pagination internally.
type MessagingProvider interface {
	ListChannels(ctx context.Context, types []string, limit int) ([]store.Channel, error)
	GetChannelInfo(ctx context.Context, channelID string) (*store.Channel, error)
	GetChannelHistory(ctx context.Context, channelID, oldest string, limit int) ([]Message, error)
	GetThreadReplies(ctx context.Context, channelID, threadTS string, limit int) ([]Message, error)
	ListChannelMembers(ctx context.Context, channelID string, limit int) ([]string, error)
	GetUser(ctx context.Context, userID string) (*store.User, error)
	GetUsers(ctx context.Context, limit int) ([]store.User, error)
	GetUserGroups(ctx context.Context) ([]store.Group, error)
	SendMessage(ctx context.Context, channelID, text, threadParent string) (string, error)
	DownloadPhoto(ctx context.Context, url string) ([]byte, error)
	BotUserID() string
}

// CalendarInfo describes one calendar visible to the user.
type CalendarInfo struct {
	ID          string
	DisplayName string
	Primary     bool
}

// Event is one calendar event in the polled window.
type Event struct {
	ID            string
	Title         string
	Organizer     string
	Attendees     []string
	Start         time.Time
	End           *time.Time
	ConferenceURL string
}

// CalendarProvider is the capability set the meeting scheduler consumes.
type CalendarProvider interface {
	ListCalendars(ctx context.Context) ([]CalendarInfo, error)
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error)
}

// ResponseGenerator produces a proposed reply for an inbound message.
type ResponseGenerator interface {
	Generate(ctx context.Context, msg *store.PendingMessage) (response, intent string, err error)
}

// Notifier delivers user-facing desktop alerts.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}
