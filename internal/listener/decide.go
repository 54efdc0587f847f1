package listener

// Decision is what the listener does with one relevant message.
type Decision int

const (
	Ignore Decision = iota
	AutoReply
	Queue
)

func (d Decision) String() string {
	switch d {
	case AutoReply:
		return "auto-reply"
	case Queue:
		return "queue"
	default:
		return "ignore"
	}
}

// MessageSignals are the relevance facts extracted from one message.
type MessageSignals struct {
	MatchedKeywords []string
	IsMention       bool
	IsDM            bool
}

func (s MessageSignals) relevant() bool {
	return s.IsMention || s.IsDM || len(s.MatchedKeywords) > 0
}

// Decide is the pure decision table over author class, channel permissions
// and message signals. Denied channels always ignore. Safe authors auto-reply
// only where the channel allows unattended sends, otherwise their messages
// queue like concerned ones. Unknown authors queue only when addressed
// directly (mention or DM).
func Decide(class Classification, perms *ChannelPermissions, channelID, channelName string, sig MessageSignals) Decision {
	if perms.Denied(channelID, channelName) || !sig.relevant() {
		return Ignore
	}
	switch class {
	case ClassSafe:
		if perms.AutoReplyAllowed(channelID, channelName) {
			return AutoReply
		}
		return Queue
	case ClassConcerned:
		return Queue
	default:
		if sig.IsMention || sig.IsDM {
			return Queue
		}
		return Ignore
	}
}
