package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/xerrors"
)

// mockSlackAPI implements slackAPI for testing.
type mockSlackAPI struct {
	history      []slack.Message
	historyPages [][]slack.Message
	posted       []postedMessage
	postErr      error
	users        []slack.User
}

type postedMessage struct {
	ChannelID string
	Options   []slack.MsgOption
}

func (m *mockSlackAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "U123BOT", Team: "testteam"}, nil
}

func (m *mockSlackAPI) GetConversationsContext(_ context.Context, _ *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	return nil, "", nil
}

func (m *mockSlackAPI) GetConversationInfoContext(_ context.Context, _ *slack.GetConversationInfoInput) (*slack.Channel, error) {
	return &slack.Channel{}, nil
}

func (m *mockSlackAPI) GetConversationHistoryContext(_ context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	if len(m.historyPages) > 0 {
		page := m.historyPages[0]
		m.historyPages = m.historyPages[1:]
		resp := &slack.GetConversationHistoryResponse{Messages: page, HasMore: len(m.historyPages) > 0}
		if resp.HasMore {
			resp.ResponseMetaData.NextCursor = "next"
		}
		return resp, nil
	}
	return &slack.GetConversationHistoryResponse{Messages: m.history}, nil
}

func (m *mockSlackAPI) GetConversationRepliesContext(_ context.Context, _ *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return m.history, false, "", nil
}

func (m *mockSlackAPI) GetUsersInConversationContext(_ context.Context, _ *slack.GetUsersInConversationParameters) ([]string, string, error) {
	return []string{"U1", "U2"}, "", nil
}

func (m *mockSlackAPI) GetUserInfoContext(_ context.Context, user string) (*slack.User, error) {
	return &slack.User{ID: user, Name: "bob"}, nil
}

func (m *mockSlackAPI) GetUsersContext(_ context.Context, _ ...slack.GetUsersOption) ([]slack.User, error) {
	return m.users, nil
}

func (m *mockSlackAPI) GetUserGroupsContext(_ context.Context, _ ...slack.GetUserGroupsOption) ([]slack.UserGroup, error) {
	return nil, nil
}

func (m *mockSlackAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{ChannelID: channelID, Options: options})
	return channelID, "1234567890.123456", nil
}

func slackMsg(ts, user, text string) slack.Message {
	m := slack.Message{}
	m.Timestamp = ts
	m.User = user
	m.Text = text
	return m
}

func TestGetChannelHistory_AscendingOrder(t *testing.T) {
	api := &mockSlackAPI{history: []slack.Message{
		slackMsg("300.000000", "U1", "newest"),
		slackMsg("200.000000", "U1", "middle"),
		slackMsg("100.000000", "U2", "oldest"),
	}}
	p := &SlackProvider{api: api, botUserID: "U123BOT"}

	msgs, err := p.GetChannelHistory(context.Background(), "C1", "050.000000", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "oldest", msgs[0].Text)
	assert.Equal(t, "newest", msgs[2].Text)
}

func TestGetChannelHistory_Paginates(t *testing.T) {
	api := &mockSlackAPI{historyPages: [][]slack.Message{
		{slackMsg("400.000000", "U1", "d"), slackMsg("300.000000", "U1", "c")},
		{slackMsg("200.000000", "U1", "b"), slackMsg("100.000000", "U1", "a")},
	}}
	p := &SlackProvider{api: api}

	msgs, err := p.GetChannelHistory(context.Background(), "C1", "", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "a", msgs[0].Text)
	assert.Equal(t, "d", msgs[3].Text)
}

func TestSendMessage_Threaded(t *testing.T) {
	api := &mockSlackAPI{}
	p := &SlackProvider{api: api}

	ts, err := p.SendMessage(context.Background(), "C1", "hello", "100.000000")
	require.NoError(t, err)
	assert.Equal(t, "1234567890.123456", ts)
	require.Len(t, api.posted, 1)
	assert.Equal(t, "C1", api.posted[0].ChannelID)
	assert.Len(t, api.posted[0].Options, 2)
}

func TestTranslateSlackErr_RateLimit(t *testing.T) {
	err := translateSlackErr(&slack.RateLimitedError{RetryAfter: 30 * time.Second})

	assert.True(t, errors.Is(err, xerrors.ErrRateLimit))
	assert.Equal(t, 30*time.Second, xerrors.RetryAfter(err))
	assert.True(t, xerrors.IsRetryable(err))
}

func TestTranslateSlackErr_NotFound(t *testing.T) {
	err := translateSlackErr(slack.SlackErrorResponse{Err: "channel_not_found"})
	assert.True(t, errors.Is(err, xerrors.ErrNotFound))
}

func TestGetUsers_SkipsDeleted(t *testing.T) {
	api := &mockSlackAPI{users: []slack.User{
		{ID: "U1", Name: "bob"},
		{ID: "U2", Name: "gone", Deleted: true},
		{ID: "U3", Name: "alice"},
	}}
	p := &SlackProvider{api: api}

	users, err := p.GetUsers(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "U1", users[0].ID)
	assert.Equal(t, "U3", users[1].ID)
}

func TestMessageFromSlack_ThreadParentNotReply(t *testing.T) {
	m := slackMsg("100.000000", "U1", "parent")
	m.ThreadTimestamp = "100.000000"
	out := messageFromSlack(&m)
	assert.Empty(t, out.ThreadTS)

	reply := slackMsg("101.000000", "U1", "reply")
	reply.ThreadTimestamp = "100.000000"
	out = messageFromSlack(&reply)
	assert.Equal(t, "100.000000", out.ThreadTS)
}
