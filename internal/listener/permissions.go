package listener

import "strings"

// ChannelPermissions gates where the listener may act. The deny list wins
// over everything; auto-reply requires explicit allow-listing. Entries match
// channel ids exactly or names case-insensitively (leading # ignored).
type ChannelPermissions struct {
	autoReply map[string]struct{}
	denied    map[string]struct{}
}

func NewChannelPermissions(autoReply, denied []string) *ChannelPermissions {
	norm := func(entries []string) map[string]struct{} {
		out := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			e = strings.TrimPrefix(strings.TrimSpace(e), "#")
			if e != "" {
				out[strings.ToLower(e)] = struct{}{}
			}
		}
		return out
	}
	return &ChannelPermissions{autoReply: norm(autoReply), denied: norm(denied)}
}

func (p *ChannelPermissions) match(set map[string]struct{}, channelID, channelName string) bool {
	if _, ok := set[strings.ToLower(channelID)]; ok {
		return true
	}
	if channelName == "" {
		return false
	}
	_, ok := set[strings.ToLower(channelName)]
	return ok
}

// Denied reports whether the listener must ignore the channel entirely.
func (p *ChannelPermissions) Denied(channelID, channelName string) bool {
	return p.match(p.denied, channelID, channelName)
}

// AutoReplyAllowed reports whether unattended sends are permitted.
func (p *ChannelPermissions) AutoReplyAllowed(channelID, channelName string) bool {
	return p.match(p.autoReply, channelID, channelName)
}
