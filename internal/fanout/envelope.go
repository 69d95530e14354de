// Package fanout delivers matched upstream notifications downstream, over
// per-service WebSocket connection sets and outgoing webhook POSTs.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

const chatEventPrefix = "channel.chat."

// Envelope is the downstream wire format. The upstream event object passes
// through untouched under "event".
type Envelope struct {
	ID             string             `json:"id"`
	Provider       string             `json:"provider"`
	Type           string             `json:"type"`
	EventTimestamp string             `json:"event_timestamp"`
	Event          json.RawMessage    `json:"event"`
	ChatAssets     *twitch.ChatAssets `json:"twitch_chat_assets,omitempty"`
}

// Codec builds envelopes. Chat events get a best-effort asset enrichment,
// a failed or empty enrichment never blocks the envelope.
type Codec struct {
	clock  clockwork.Clock
	assets *twitch.ChatAssetCache
}

// NewCodec creates a codec. assets may be nil to disable enrichment.
func NewCodec(clock clockwork.Clock, assets *twitch.ChatAssetCache) *Codec {
	return &Codec{clock: clock, assets: assets}
}

func (c *Codec) Encode(ctx context.Context, n *domain.Notification) ([]byte, error) {
	env := Envelope{
		ID:             n.MessageID,
		Provider:       "twitch",
		Type:           n.EventType,
		EventTimestamp: c.clock.Now().UTC().Format(time.RFC3339),
		Event:          n.Event,
	}

	if c.assets != nil && strings.HasPrefix(n.EventType, chatEventPrefix) {
		env.ChatAssets = c.assets.Enrich(ctx, n.BroadcasterUserID, n.Event)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}
