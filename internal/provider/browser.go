package provider

import (
	"context"
	"time"
)

// MediaDevices is one meeting's allocated audio/video endpoints.
type MediaDevices struct {
	AudioSink   string `json:"audio_sink"`
	AudioSource string `json:"audio_source"`
	VideoDevice string `json:"video_device"`
}

// Participant is one roster entry reported by the browser.
type Participant struct {
	Name   string `json:"name"`
	IsSelf bool   `json:"is_self"`
}

// Caption is one caption line captured from the meeting.
type Caption struct {
	Speaker string
	Text    string
	At      time.Time
}

// Browser abstracts the meeting automation collaborator. One Browser serves
// one session; Join is called at most once.
type Browser interface {
	Join(ctx context.Context, url string, devices MediaDevices) error
	Leave(ctx context.Context) error
	GetParticipants(ctx context.Context) ([]Participant, error)
	// Captions yields captured lines until the browser closes.
	Captions() <-chan Caption
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	IsClosed() bool
}

// BrowserFactory opens a fresh browser per meeting session.
type BrowserFactory func() Browser

// DeviceAllocator hands out audio sink/source pairs and video loopback
// devices, one owner per device path.
type DeviceAllocator interface {
	Allocate(ctx context.Context, sessionID string) (MediaDevices, error)
	Release(ctx context.Context, sessionID string) error
	// ReclaimOrphans releases devices whose owning session is not in live.
	// Best effort, called once at startup.
	ReclaimOrphans(ctx context.Context, live []string) (int, error)
}
