package meeting

import (
	"context"
	"encoding/json"
	"fmt"

	"botfleet/internal/bus"
	"botfleet/internal/provider"
)

// busAllocator leases media devices from the audio router daemon.
type busAllocator struct {
	client *bus.Client
}

// NewBusAllocator wraps a bus client for the audio router.
func NewBusAllocator(client *bus.Client) provider.DeviceAllocator {
	return &busAllocator{client: client}
}

func (a *busAllocator) Allocate(_ context.Context, sessionID string) (provider.MediaDevices, error) {
	reply, err := a.client.Call("allocate_devices", map[string]any{"session_id": sessionID})
	if err != nil {
		return provider.MediaDevices{}, err
	}
	if !bus.Success(reply) {
		return provider.MediaDevices{}, fmt.Errorf("allocate_devices refused: %v", reply["error"])
	}
	raw, _ := reply["devices"].(string)
	var devices provider.MediaDevices
	if err := json.Unmarshal([]byte(raw), &devices); err != nil {
		return provider.MediaDevices{}, fmt.Errorf("bad devices payload: %w", err)
	}
	return devices, nil
}

func (a *busAllocator) Release(_ context.Context, sessionID string) error {
	reply, err := a.client.Call("release_devices", map[string]any{"session_id": sessionID})
	if err != nil {
		return err
	}
	if !bus.Success(reply) {
		return fmt.Errorf("release_devices refused: %v", reply["error"])
	}
	return nil
}

func (a *busAllocator) ReclaimOrphans(_ context.Context, live []string) (int, error) {
	if live == nil {
		live = []string{}
	}
	reply, err := a.client.Call("reclaim_orphans", map[string]any{"live_sessions": live})
	if err != nil {
		return 0, err
	}
	if !bus.Success(reply) {
		return 0, fmt.Errorf("reclaim_orphans refused: %v", reply["error"])
	}
	n, _ := reply["reclaimed"].(float64)
	return int(n), nil
}
