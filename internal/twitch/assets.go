package twitch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nicklaw5/helix/v2"
)

// Badge is one renderable chat badge version, keyed as "set_id/version".
type Badge struct {
	SetID      string `json:"set_id"`
	ID         string `json:"id"`
	ImageURL1x string `json:"image_url_1x,omitempty"`
	ImageURL2x string `json:"image_url_2x,omitempty"`
	ImageURL4x string `json:"image_url_4x,omitempty"`
}

// Emote is one renderable chat emote.
type Emote struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Images map[string]string `json:"images,omitempty"`
}

func flattenBadges(badges []helix.ChatBadge) []Badge {
	var out []Badge
	for _, set := range badges {
		for _, v := range set.Versions {
			out = append(out, Badge{
				SetID:      set.SetID,
				ID:         v.ID,
				ImageURL1x: v.ImageUrl1x,
				ImageURL2x: v.ImageUrl2x,
				ImageURL4x: v.ImageUrl4x,
			})
		}
	}
	return out
}

func flattenEmotes(emotes []helix.Emote) []Emote {
	var out []Emote
	for _, e := range emotes {
		out = append(out, Emote{
			ID:   e.ID,
			Name: e.Name,
			Images: map[string]string{
				"url_1x": e.Images.Url1x,
				"url_2x": e.Images.Url2x,
				"url_4x": e.Images.Url4x,
			},
		})
	}
	return out
}

// GetChannelBadges returns the broadcaster's custom badge versions.
func (c *Client) GetChannelBadges(ctx context.Context, broadcasterID string) ([]Badge, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.ensureAppToken(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	resp, err := c.helix.GetChannelChatBadges(&helix.GetChatBadgeParams{BroadcasterID: broadcasterID})
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to get channel badges: %w", err)
	}
	if err := checkStatus(resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}
	return flattenBadges(resp.Data.Badges), nil
}

// GetGlobalBadges returns the Twitch-wide badge versions.
func (c *Client) GetGlobalBadges(ctx context.Context) ([]Badge, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.ensureAppToken(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	resp, err := c.helix.GetGlobalChatBadges()
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to get global badges: %w", err)
	}
	if err := checkStatus(resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}
	return flattenBadges(resp.Data.Badges), nil
}

// GetChannelEmotes returns the broadcaster's custom emotes.
func (c *Client) GetChannelEmotes(ctx context.Context, broadcasterID string) ([]Emote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.ensureAppToken(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	resp, err := c.helix.GetChannelEmotes(&helix.GetChannelEmotesParams{BroadcasterID: broadcasterID})
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to get channel emotes: %w", err)
	}
	if err := checkStatus(resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}
	return flattenEmotes(resp.Data.Emotes), nil
}

// GetGlobalEmotes returns the Twitch-wide emote set.
func (c *Client) GetGlobalEmotes(ctx context.Context) ([]Emote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.ensureAppToken(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	resp, err := c.helix.GetGlobalEmotes()
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to get global emotes: %w", err)
	}
	if err := checkStatus(resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}
	return flattenEmotes(resp.Data.Emotes), nil
}
