package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"botfleet/internal/store"
	"botfleet/internal/xerrors"
)

// slackAPI abstracts the Slack client for testing.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetUsersContext(ctx context.Context, options ...slack.GetUsersOption) ([]slack.User, error)
	GetUserGroupsContext(ctx context.Context, options ...slack.GetUserGroupsOption) ([]slack.UserGroup, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackProvider implements MessagingProvider over the Slack Web API.
type SlackProvider struct {
	api       slackAPI
	http      *http.Client
	logger    zerolog.Logger
	botUserID string
}

// NewSlackProvider builds the provider and verifies the token with an auth
// test so the bot's own user id is known before the first poll.
func NewSlackProvider(ctx context.Context, token string, logger zerolog.Logger) (*SlackProvider, error) {
	p := &SlackProvider{
		api:    slack.New(token),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("component", "slack").Logger(),
	}
	resp, err := p.api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth test: %w", translateSlackErr(err))
	}
	p.botUserID = resp.UserID
	p.logger.Info().Str("bot_user", resp.UserID).Str("team", resp.Team).Msg("slack authenticated")
	return p, nil
}

// BotUserID returns the authenticated bot's own user id.
func (p *SlackProvider) BotUserID() string { return p.botUserID }

// translateSlackErr maps slack-go error types onto the shared error
// vocabulary so callers can test retryability without importing slack.
func translateSlackErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &xerrors.RateLimitError{Service: "slack", RetryAfter: rl.RetryAfter}
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		switch se.Err {
		case "channel_not_found", "user_not_found", "users_not_found":
			return fmt.Errorf("%s: %w", se.Err, xerrors.ErrNotFound)
		}
	}
	return err
}

func (p *SlackProvider) ListChannels(ctx context.Context, types []string, limit int) ([]store.Channel, error) {
	if len(types) == 0 {
		types = []string{"public_channel", "private_channel"}
	}
	var out []store.Channel
	cursor := ""
	for {
		channels, next, err := p.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Types:           types,
			Cursor:          cursor,
			Limit:           200,
			ExcludeArchived: true,
		})
		if err != nil {
			return nil, translateSlackErr(err)
		}
		for _, ch := range channels {
			out = append(out, channelFromSlack(&ch))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func (p *SlackProvider) GetChannelInfo(ctx context.Context, channelID string) (*store.Channel, error) {
	ch, err := p.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID:         channelID,
		IncludeNumMembers: true,
	})
	if err != nil {
		return nil, translateSlackErr(err)
	}
	out := channelFromSlack(ch)
	return &out, nil
}

// GetChannelHistory returns messages strictly newer than oldest, ascending
// by timestamp. Slack pages newest-first; the result is re-sorted.
func (p *SlackProvider) GetChannelHistory(ctx context.Context, channelID, oldest string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []Message
	cursor := ""
	for {
		resp, err := p.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Oldest:    oldest,
			Cursor:    cursor,
			Limit:     limit,
			Inclusive: false,
		})
		if err != nil {
			return nil, translateSlackErr(err)
		}
		for i := range resp.Messages {
			out = append(out, messageFromSlack(&resp.Messages[i]))
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" || len(out) >= limit {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (p *SlackProvider) GetThreadReplies(ctx context.Context, channelID, threadTS string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, _, _, err := p.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     limit,
	})
	if err != nil {
		return nil, translateSlackErr(err)
	}
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageFromSlack(&msgs[i]))
	}
	return out, nil
}

func (p *SlackProvider) ListChannelMembers(ctx context.Context, channelID string, limit int) ([]string, error) {
	var out []string
	cursor := ""
	for {
		members, next, err := p.api.GetUsersInConversationContext(ctx, &slack.GetUsersInConversationParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     200,
		})
		if err != nil {
			return nil, translateSlackErr(err)
		}
		out = append(out, members...)
		if next == "" || (limit > 0 && len(out) >= limit) {
			break
		}
		cursor = next
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *SlackProvider) GetUser(ctx context.Context, userID string) (*store.User, error) {
	u, err := p.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, translateSlackErr(err)
	}
	out := userFromSlack(u)
	return &out, nil
}

func (p *SlackProvider) GetUsers(ctx context.Context, limit int) ([]store.User, error) {
	users, err := p.api.GetUsersContext(ctx)
	if err != nil {
		return nil, translateSlackErr(err)
	}
	out := make([]store.User, 0, len(users))
	for i := range users {
		if users[i].Deleted {
			continue
		}
		out = append(out, userFromSlack(&users[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *SlackProvider) GetUserGroups(ctx context.Context) ([]store.Group, error) {
	groups, err := p.api.GetUserGroupsContext(ctx, slack.GetUserGroupsOptionIncludeUsers(true))
	if err != nil {
		return nil, translateSlackErr(err)
	}
	out := make([]store.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, store.Group{
			ID:      g.ID,
			Handle:  g.Handle,
			Name:    g.Name,
			Members: g.Users,
		})
	}
	return out, nil
}

// SendMessage posts text to a channel, threading under threadParent when set.
// Returns the posted message timestamp.
func (p *SlackProvider) SendMessage(ctx context.Context, channelID, text, threadParent string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadParent != "" {
		opts = append(opts, slack.MsgOptionTS(threadParent))
	}
	_, ts, err := p.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", translateSlackErr(err)
	}
	return ts, nil
}

// DownloadPhoto fetches an avatar image. Caps the body at 5 MiB.
func (p *SlackProvider) DownloadPhoto(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &xerrors.APIError{Service: "slack", StatusCode: resp.StatusCode, Message: "photo fetch failed"}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 5<<20))
}

func channelFromSlack(ch *slack.Channel) store.Channel {
	return store.Channel{
		ID:          ch.ID,
		Name:        ch.Name,
		Topic:       ch.Topic.Value,
		Purpose:     ch.Purpose.Value,
		IsDM:        ch.IsIM,
		MemberCount: ch.NumMembers,
	}
}

func userFromSlack(u *slack.User) store.User {
	return store.User{
		ID:          u.ID,
		Name:        u.Name,
		RealName:    u.RealName,
		DisplayName: u.Profile.DisplayName,
		Email:       u.Profile.Email,
		AvatarURL:   u.Profile.Image192,
		IsBot:       u.IsBot,
		Deleted:     u.Deleted,
	}
}

func messageFromSlack(m *slack.Message) Message {
	threadTS := m.ThreadTimestamp
	if threadTS == m.Timestamp {
		// Thread parents carry their own ts here; only replies count.
		threadTS = ""
	}
	raw, _ := json.Marshal(m)
	return Message{
		Timestamp: m.Timestamp,
		ThreadTS:  threadTS,
		UserID:    m.User,
		BotID:     m.BotID,
		Text:      m.Text,
		Raw:       string(raw),
	}
}
