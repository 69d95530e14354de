package twitch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	assetTTL           = 6 * time.Hour
	assetStaleIfError  = 24 * time.Hour
	assetRefreshBudget = 5 * time.Second
)

// AssetSource is the Helix slice the cache refreshes from.
type AssetSource interface {
	GetChannelBadges(ctx context.Context, broadcasterID string) ([]Badge, error)
	GetGlobalBadges(ctx context.Context) ([]Badge, error)
	GetChannelEmotes(ctx context.Context, broadcasterID string) ([]Emote, error)
	GetGlobalEmotes(ctx context.Context) ([]Emote, error)
}

type assetEntry[T any] struct {
	value     []T
	expiresAt time.Time
}

// ChatAssetCache holds badge and emote snapshots per broadcaster plus
// the global sets, refreshed lazily with a stale-if-error grace window.
// Enrichment is best-effort and must never block or fail delivery.
type ChatAssetCache struct {
	source AssetSource
	clock  clockwork.Clock
	group  singleflight.Group

	mu            sync.RWMutex
	globalBadges  assetEntry[Badge]
	globalEmotes  assetEntry[Emote]
	channelBadges map[string]assetEntry[Badge]
	channelEmotes map[string]assetEntry[Emote]
}

func NewChatAssetCache(source AssetSource, clock clockwork.Clock) *ChatAssetCache {
	return &ChatAssetCache{
		source:        source,
		clock:         clock,
		channelBadges: make(map[string]assetEntry[Badge]),
		channelEmotes: make(map[string]assetEntry[Emote]),
	}
}

// ChatAssets is the enrichment payload attached to channel.chat.*
// envelopes.
type ChatAssets struct {
	Badges        []Badge           `json:"badges"`
	Emotes        []Emote           `json:"emotes"`
	BadgeImageMap map[string]string `json:"badge_image_map,omitempty"`
}

// Prefetch warms the caches for a broadcaster in the background. Called
// on interest creation so the first chat message already resolves.
func (c *ChatAssetCache) Prefetch(broadcasterID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), assetRefreshBudget)
		defer cancel()
		c.refreshAll(ctx, broadcasterID)
	}()
}

func (c *ChatAssetCache) refreshAll(ctx context.Context, broadcasterID string) {
	c.freshGlobalBadges(ctx)
	c.freshGlobalEmotes(ctx)
	c.freshChannelBadges(ctx, broadcasterID)
	c.freshChannelEmotes(ctx, broadcasterID)
}

func (c *ChatAssetCache) freshGlobalBadges(ctx context.Context) []Badge {
	c.mu.RLock()
	entry := c.globalBadges
	c.mu.RUnlock()
	if c.clock.Now().Before(entry.expiresAt) {
		return entry.value
	}

	v, err, _ := c.group.Do("global_badges", func() (any, error) {
		badges, err := c.source.GetGlobalBadges(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.globalBadges = assetEntry[Badge]{value: badges, expiresAt: c.clock.Now().Add(assetTTL)}
		c.mu.Unlock()
		return badges, nil
	})
	if err != nil {
		slog.Info("Failed refreshing global badges", "error", err)
		c.extendOnError(func() { c.globalBadges.expiresAt = c.clock.Now().Add(assetStaleIfError) }, len(entry.value) > 0)
		return entry.value
	}
	return v.([]Badge)
}

func (c *ChatAssetCache) freshGlobalEmotes(ctx context.Context) []Emote {
	c.mu.RLock()
	entry := c.globalEmotes
	c.mu.RUnlock()
	if c.clock.Now().Before(entry.expiresAt) {
		return entry.value
	}

	v, err, _ := c.group.Do("global_emotes", func() (any, error) {
		emotes, err := c.source.GetGlobalEmotes(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.globalEmotes = assetEntry[Emote]{value: emotes, expiresAt: c.clock.Now().Add(assetTTL)}
		c.mu.Unlock()
		return emotes, nil
	})
	if err != nil {
		slog.Info("Failed refreshing global emotes", "error", err)
		c.extendOnError(func() { c.globalEmotes.expiresAt = c.clock.Now().Add(assetStaleIfError) }, len(entry.value) > 0)
		return entry.value
	}
	return v.([]Emote)
}

func (c *ChatAssetCache) freshChannelBadges(ctx context.Context, broadcasterID string) []Badge {
	c.mu.RLock()
	entry := c.channelBadges[broadcasterID]
	c.mu.RUnlock()
	if c.clock.Now().Before(entry.expiresAt) {
		return entry.value
	}

	v, err, _ := c.group.Do("channel_badges:"+broadcasterID, func() (any, error) {
		badges, err := c.source.GetChannelBadges(ctx, broadcasterID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.channelBadges[broadcasterID] = assetEntry[Badge]{value: badges, expiresAt: c.clock.Now().Add(assetTTL)}
		c.mu.Unlock()
		return badges, nil
	})
	if err != nil {
		slog.Info("Failed refreshing channel badges", "broadcaster_user_id", broadcasterID, "error", err)
		c.extendOnError(func() {
			e := c.channelBadges[broadcasterID]
			e.expiresAt = c.clock.Now().Add(assetStaleIfError)
			c.channelBadges[broadcasterID] = e
		}, len(entry.value) > 0)
		return entry.value
	}
	return v.([]Badge)
}

func (c *ChatAssetCache) freshChannelEmotes(ctx context.Context, broadcasterID string) []Emote {
	c.mu.RLock()
	entry := c.channelEmotes[broadcasterID]
	c.mu.RUnlock()
	if c.clock.Now().Before(entry.expiresAt) {
		return entry.value
	}

	v, err, _ := c.group.Do("channel_emotes:"+broadcasterID, func() (any, error) {
		emotes, err := c.source.GetChannelEmotes(ctx, broadcasterID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.channelEmotes[broadcasterID] = assetEntry[Emote]{value: emotes, expiresAt: c.clock.Now().Add(assetTTL)}
		c.mu.Unlock()
		return emotes, nil
	})
	if err != nil {
		slog.Info("Failed refreshing channel emotes", "broadcaster_user_id", broadcasterID, "error", err)
		c.extendOnError(func() {
			e := c.channelEmotes[broadcasterID]
			e.expiresAt = c.clock.Now().Add(assetStaleIfError)
			c.channelEmotes[broadcasterID] = e
		}, len(entry.value) > 0)
		return entry.value
	}
	return v.([]Emote)
}

func (c *ChatAssetCache) extendOnError(apply func(), hasValue bool) {
	if !hasValue {
		return
	}
	c.mu.Lock()
	apply()
	c.mu.Unlock()
}

// Enrich resolves the badges and emotes referenced by a chat event to
// renderable assets. Returns nil when nothing resolves; never errors.
func (c *ChatAssetCache) Enrich(ctx context.Context, broadcasterID string, event json.RawMessage) *ChatAssets {
	var payload struct {
		Badges []struct {
			SetID string `json:"set_id"`
			ID    string `json:"id"`
		} `json:"badges"`
		Message struct {
			Fragments []struct {
				Type  string `json:"type"`
				Emote struct {
					ID string `json:"id"`
				} `json:"emote"`
			} `json:"fragments"`
		} `json:"message"`
	}
	if err := json.Unmarshal(event, &payload); err != nil {
		return nil
	}

	badgeLookup := make(map[string]Badge)
	for _, b := range c.freshGlobalBadges(ctx) {
		badgeLookup[b.SetID+"/"+b.ID] = b
	}
	for _, b := range c.freshChannelBadges(ctx, broadcasterID) {
		badgeLookup[b.SetID+"/"+b.ID] = b
	}

	emoteLookup := make(map[string]Emote)
	for _, e := range c.freshGlobalEmotes(ctx) {
		emoteLookup[e.ID] = e
	}
	for _, e := range c.freshChannelEmotes(ctx, broadcasterID) {
		emoteLookup[e.ID] = e
	}

	assets := &ChatAssets{BadgeImageMap: make(map[string]string)}
	seenBadges := make(map[string]bool)
	for _, b := range payload.Badges {
		key := b.SetID + "/" + b.ID
		if seenBadges[key] {
			continue
		}
		seenBadges[key] = true
		badge, ok := badgeLookup[key]
		if !ok {
			continue
		}
		assets.Badges = append(assets.Badges, badge)
		if url := preferredBadgeURL(badge); url != "" {
			assets.BadgeImageMap[key] = url
		}
	}

	seenEmotes := make(map[string]bool)
	for _, frag := range payload.Message.Fragments {
		if frag.Type != "emote" || frag.Emote.ID == "" || seenEmotes[frag.Emote.ID] {
			continue
		}
		seenEmotes[frag.Emote.ID] = true
		if emote, ok := emoteLookup[frag.Emote.ID]; ok {
			assets.Emotes = append(assets.Emotes, emote)
		}
	}

	if len(assets.Badges) == 0 && len(assets.Emotes) == 0 {
		return nil
	}
	return assets
}

func preferredBadgeURL(b Badge) string {
	switch {
	case b.ImageURL4x != "":
		return b.ImageURL4x
	case b.ImageURL2x != "":
		return b.ImageURL2x
	default:
		return b.ImageURL1x
	}
}
