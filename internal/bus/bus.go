// Package bus provides the IPC surface every daemon exposes on the session
// bus: method dispatch with JSON envelopes, read-only properties, signals,
// and a thin client for sibling daemons.
package bus

import "strings"

// Identity is a daemon's fixed bus coordinates, derived from its name.
type Identity struct {
	Name       string // short daemon name, e.g. "slack"
	BusName    string // com.example.BotSlack
	ObjectPath string // /com/example/BotSlack
	Interface  string // com.example.BotSlack
}

// NewIdentity derives bus coordinates from a short daemon name.
func NewIdentity(name string) Identity {
	title := strings.ToUpper(name[:1]) + name[1:]
	busName := "com.example.Bot" + title
	return Identity{
		Name:       name,
		BusName:    busName,
		ObjectPath: "/com/example/Bot" + title,
		Interface:  busName,
	}
}
