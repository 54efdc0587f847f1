package provider

import (
	"context"
	"fmt"

	"botfleet/internal/bus"
	"botfleet/internal/store"
)

// BusResponder asks the sibling responder daemon for a reply draft.
type BusResponder struct {
	client *bus.Client
}

// NewBusResponder wraps a bus client for the responder daemon.
func NewBusResponder(client *bus.Client) *BusResponder {
	return &BusResponder{client: client}
}

// Generate returns the proposed response and detected intent for msg.
func (r *BusResponder) Generate(ctx context.Context, msg *store.PendingMessage) (string, string, error) {
	reply, err := r.client.Call("generate_response", map[string]any{
		"channel_id":    msg.ChannelID,
		"channel_name":  msg.ChannelName,
		"user_id":       msg.UserID,
		"user_name":     msg.UserName,
		"text":          msg.Text,
		"thread_parent": msg.ThreadParent,
		"is_mention":    msg.IsMention,
		"is_dm":         msg.IsDM,
	})
	if err != nil {
		return "", "", err
	}
	if !bus.Success(reply) {
		return "", "", fmt.Errorf("generate_response refused: %v", reply["error"])
	}
	response, _ := reply["response"].(string)
	intent, _ := reply["intent"].(string)
	if response == "" {
		return "", "", fmt.Errorf("responder returned an empty draft")
	}
	return response, intent, nil
}
