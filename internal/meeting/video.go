package meeting

import (
	"context"
	"encoding/json"
	"fmt"

	"botfleet/internal/bus"
	"botfleet/internal/provider"
)

// VideoControl is the sibling video daemon's surface used during a meeting.
// All failures are soft: the meeting continues audio-only.
type VideoControl interface {
	StartVideo(ctx context.Context, devices provider.MediaDevices) error
	StopVideo(ctx context.Context) error
	UpdateAttendees(ctx context.Context, participants []provider.Participant) error
}

// startVideoArgs mirrors the video daemon's start_video parameters.
type startVideoArgs struct {
	DevicePath     string `json:"device_path"`
	AudioInput     string `json:"audio_input"`
	AudioOutput    string `json:"audio_output"`
	Width          int    `json:"w"`
	Height         int    `json:"h"`
	Flip           bool   `json:"flip"`
	SinkInputIndex int    `json:"sink_input_index"`
}

// busVideo drives the video daemon over the bus.
type busVideo struct {
	client *bus.Client
}

// NewBusVideo wraps a bus client for the video daemon.
func NewBusVideo(client *bus.Client) VideoControl {
	return &busVideo{client: client}
}

func (v *busVideo) StartVideo(_ context.Context, devices provider.MediaDevices) error {
	reply, err := v.client.Call("start_video", startVideoArgs{
		DevicePath:     devices.VideoDevice,
		AudioInput:     devices.AudioSource,
		AudioOutput:    devices.AudioSink,
		Width:          1280,
		Height:         720,
		SinkInputIndex: -1,
	})
	if err != nil {
		return err
	}
	if !bus.Success(reply) {
		return fmt.Errorf("start_video refused: %v", reply["error"])
	}
	return nil
}

func (v *busVideo) StopVideo(context.Context) error {
	reply, err := v.client.Call("stop_video", nil)
	if err != nil {
		return err
	}
	if !bus.Success(reply) {
		return fmt.Errorf("stop_video refused: %v", reply["error"])
	}
	return nil
}

func (v *busVideo) UpdateAttendees(_ context.Context, participants []provider.Participant) error {
	payload, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	reply, err := v.client.Call("update_attendees", map[string]any{"attendees": string(payload)})
	if err != nil {
		return err
	}
	if !bus.Success(reply) {
		return fmt.Errorf("update_attendees refused: %v", reply["error"])
	}
	return nil
}
