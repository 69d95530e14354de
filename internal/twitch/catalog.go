package twitch

import (
	"strconv"
	"strings"

	"github.com/kwld/twitch-bridge/internal/domain"
)

// CatalogEntry describes one EventSub subscription type and version as
// documented by Twitch. Status distinguishes stable entries from ones
// Twitch marks new or beta.
type CatalogEntry struct {
	Title       string `json:"title"`
	Type        string `json:"type"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// Catalog lists every subscription type the bridge accepts. Kept in the
// order of the Twitch EventSub reference so diffs against the docs stay
// reviewable.
var Catalog = []CatalogEntry{
	{Title: "Automod Message Hold", Type: "automod.message.hold", Version: "1", Description: "Message caught by AutoMod."},
	{Title: "Automod Message Hold V2", Type: "automod.message.hold", Version: "2", Description: "Message caught by AutoMod (public blocked terms only).", Status: "new"},
	{Title: "Automod Message Update", Type: "automod.message.update", Version: "1", Description: "AutoMod queue message status changed."},
	{Title: "Automod Message Update V2", Type: "automod.message.update", Version: "2", Description: "AutoMod queue message status changed (public blocked terms only).", Status: "new"},
	{Title: "Automod Settings Update", Type: "automod.settings.update", Version: "1", Description: "Broadcaster AutoMod settings updated."},
	{Title: "Automod Terms Update", Type: "automod.terms.update", Version: "1", Description: "Broadcaster AutoMod terms updated."},
	{Title: "Channel Bits Use", Type: "channel.bits.use", Version: "1", Description: "Bits used on channel.", Status: "new"},
	{Title: "Channel Update", Type: "channel.update", Version: "2", Description: "Channel metadata updated."},
	{Title: "Channel Follow", Type: "channel.follow", Version: "2", Description: "User followed channel."},
	{Title: "Channel Ad Break Begin", Type: "channel.ad_break.begin", Version: "1", Description: "Ad break started."},
	{Title: "Channel Chat Clear", Type: "channel.chat.clear", Version: "1", Description: "Chat room messages cleared."},
	{Title: "Channel Chat Clear User Messages", Type: "channel.chat.clear_user_messages", Version: "1", Description: "Specific user chat messages cleared."},
	{Title: "Channel Chat Message", Type: "channel.chat.message", Version: "1", Description: "Chat message sent.", Status: "new"},
	{Title: "Channel Chat Message Delete", Type: "channel.chat.message_delete", Version: "1", Description: "Specific chat message deleted."},
	{Title: "Channel Chat Notification", Type: "channel.chat.notification", Version: "1", Description: "Chat UI notification event occurred."},
	{Title: "Channel Chat Settings Update", Type: "channel.chat_settings.update", Version: "1", Description: "Chat settings updated.", Status: "new"},
	{Title: "Channel Chat User Message Hold", Type: "channel.chat.user_message_hold", Version: "1", Description: "User message held by AutoMod.", Status: "new"},
	{Title: "Channel Chat User Message Update", Type: "channel.chat.user_message_update", Version: "1", Description: "Held user message moderation state changed.", Status: "new"},
	{Title: "Channel Shared Chat Session Begin", Type: "channel.shared_chat.begin", Version: "1", Description: "Channel joined a shared chat session.", Status: "new"},
	{Title: "Channel Shared Chat Session Update", Type: "channel.shared_chat.update", Version: "1", Description: "Shared chat session changed.", Status: "new"},
	{Title: "Channel Shared Chat Session End", Type: "channel.shared_chat.end", Version: "1", Description: "Channel left shared chat session."},
	{Title: "Channel Subscribe", Type: "channel.subscribe", Version: "1", Description: "New subscription."},
	{Title: "Channel Subscription End", Type: "channel.subscription.end", Version: "1", Description: "Subscription ended."},
	{Title: "Channel Subscription Gift", Type: "channel.subscription.gift", Version: "1", Description: "Gift subscription sent."},
	{Title: "Channel Subscription Message", Type: "channel.subscription.message", Version: "1", Description: "Resubscription chat message."},
	{Title: "Channel Cheer", Type: "channel.cheer", Version: "1", Description: "Bits cheer event."},
	{Title: "Channel Raid", Type: "channel.raid", Version: "1", Description: "Channel raid event."},
	{Title: "Channel Ban", Type: "channel.ban", Version: "1", Description: "User banned."},
	{Title: "Channel Unban", Type: "channel.unban", Version: "1", Description: "User unbanned."},
	{Title: "Channel Unban Request Create", Type: "channel.unban_request.create", Version: "1", Description: "Unban request created.", Status: "new"},
	{Title: "Channel Unban Request Resolve", Type: "channel.unban_request.resolve", Version: "1", Description: "Unban request resolved.", Status: "new"},
	{Title: "Channel Moderate", Type: "channel.moderate", Version: "1", Description: "Moderation action."},
	{Title: "Channel Moderate V2", Type: "channel.moderate", Version: "2", Description: "Moderation action (includes warnings).", Status: "new"},
	{Title: "Channel Moderator Add", Type: "channel.moderator.add", Version: "1", Description: "Moderator added."},
	{Title: "Channel Moderator Remove", Type: "channel.moderator.remove", Version: "1", Description: "Moderator removed."},
	{Title: "Channel Guest Star Session Begin", Type: "channel.guest_star_session.begin", Version: "beta", Description: "Guest Star session started.", Status: "beta"},
	{Title: "Channel Guest Star Session End", Type: "channel.guest_star_session.end", Version: "beta", Description: "Guest Star session ended.", Status: "beta"},
	{Title: "Channel Guest Star Guest Update", Type: "channel.guest_star_guest.update", Version: "beta", Description: "Guest Star guest/slot updated.", Status: "beta"},
	{Title: "Channel Guest Star Settings Update", Type: "channel.guest_star_settings.update", Version: "beta", Description: "Guest Star settings updated.", Status: "beta"},
	{Title: "Channel Points Automatic Reward Redemption Add", Type: "channel.channel_points_automatic_reward_redemption.add", Version: "1", Description: "Automatic reward redeemed."},
	{Title: "Channel Points Automatic Reward Redemption Add V2", Type: "channel.channel_points_automatic_reward_redemption.add", Version: "2", Description: "Automatic reward redeemed.", Status: "new"},
	{Title: "Channel Points Custom Reward Add", Type: "channel.channel_points_custom_reward.add", Version: "1", Description: "Custom reward created."},
	{Title: "Channel Points Custom Reward Update", Type: "channel.channel_points_custom_reward.update", Version: "1", Description: "Custom reward updated."},
	{Title: "Channel Points Custom Reward Remove", Type: "channel.channel_points_custom_reward.remove", Version: "1", Description: "Custom reward removed."},
	{Title: "Channel Points Custom Reward Redemption Add", Type: "channel.channel_points_custom_reward_redemption.add", Version: "1", Description: "Custom reward redeemed."},
	{Title: "Channel Points Custom Reward Redemption Update", Type: "channel.channel_points_custom_reward_redemption.update", Version: "1", Description: "Custom reward redemption updated."},
	{Title: "Channel Poll Begin", Type: "channel.poll.begin", Version: "1", Description: "Poll started."},
	{Title: "Channel Poll Progress", Type: "channel.poll.progress", Version: "1", Description: "Poll vote update."},
	{Title: "Channel Poll End", Type: "channel.poll.end", Version: "1", Description: "Poll ended."},
	{Title: "Channel Prediction Begin", Type: "channel.prediction.begin", Version: "1", Description: "Prediction started."},
	{Title: "Channel Prediction Progress", Type: "channel.prediction.progress", Version: "1", Description: "Prediction vote update."},
	{Title: "Channel Prediction Lock", Type: "channel.prediction.lock", Version: "1", Description: "Prediction locked."},
	{Title: "Channel Prediction End", Type: "channel.prediction.end", Version: "1", Description: "Prediction ended."},
	{Title: "Channel Suspicious User Message", Type: "channel.suspicious_user.message", Version: "1", Description: "Suspicious user message sent.", Status: "new"},
	{Title: "Channel Suspicious User Update", Type: "channel.suspicious_user.update", Version: "1", Description: "Suspicious user state updated.", Status: "new"},
	{Title: "Channel VIP Add", Type: "channel.vip.add", Version: "1", Description: "VIP added.", Status: "new"},
	{Title: "Channel VIP Remove", Type: "channel.vip.remove", Version: "1", Description: "VIP removed.", Status: "new"},
	{Title: "Channel Warning Acknowledge", Type: "channel.warning.acknowledge", Version: "1", Description: "Warning acknowledged.", Status: "new"},
	{Title: "Channel Warning Send", Type: "channel.warning.send", Version: "1", Description: "Warning sent.", Status: "new"},
	{Title: "Charity Donation", Type: "channel.charity_campaign.donate", Version: "1", Description: "Charity donation made."},
	{Title: "Charity Campaign Start", Type: "channel.charity_campaign.start", Version: "1", Description: "Charity campaign started."},
	{Title: "Charity Campaign Progress", Type: "channel.charity_campaign.progress", Version: "1", Description: "Charity campaign progress update."},
	{Title: "Charity Campaign Stop", Type: "channel.charity_campaign.stop", Version: "1", Description: "Charity campaign stopped."},
	{Title: "Conduit Shard Disabled", Type: "conduit.shard.disabled", Version: "1", Description: "Conduit shard disabled.", Status: "new"},
	{Title: "Drop Entitlement Grant", Type: "drop.entitlement.grant", Version: "1", Description: "Drop entitlement granted."},
	{Title: "Extension Bits Transaction Create", Type: "extension.bits_transaction.create", Version: "1", Description: "Extension Bits transaction."},
	{Title: "Goal Begin", Type: "channel.goal.begin", Version: "1", Description: "Goal started."},
	{Title: "Goal Progress", Type: "channel.goal.progress", Version: "1", Description: "Goal progress update."},
	{Title: "Goal End", Type: "channel.goal.end", Version: "1", Description: "Goal ended."},
	{Title: "Hype Train Begin", Type: "channel.hype_train.begin", Version: "2", Description: "Hype Train started."},
	{Title: "Hype Train Progress", Type: "channel.hype_train.progress", Version: "2", Description: "Hype Train progress."},
	{Title: "Hype Train End", Type: "channel.hype_train.end", Version: "2", Description: "Hype Train ended."},
	{Title: "Shield Mode Begin", Type: "channel.shield_mode.begin", Version: "1", Description: "Shield Mode enabled."},
	{Title: "Shield Mode End", Type: "channel.shield_mode.end", Version: "1", Description: "Shield Mode disabled."},
	{Title: "Shoutout Create", Type: "channel.shoutout.create", Version: "1", Description: "Shoutout sent."},
	{Title: "Shoutout Receive", Type: "channel.shoutout.receive", Version: "1", Description: "Shoutout received."},
	{Title: "Stream Online", Type: "stream.online", Version: "1", Description: "Stream started."},
	{Title: "Stream Offline", Type: "stream.offline", Version: "1", Description: "Stream stopped."},
	{Title: "User Authorization Grant", Type: "user.authorization.grant", Version: "1", Description: "User authorized client ID."},
	{Title: "User Authorization Revoke", Type: "user.authorization.revoke", Version: "1", Description: "User revoked client ID authorization."},
	{Title: "User Update", Type: "user.update", Version: "1", Description: "User account updated."},
	{Title: "Whisper Received", Type: "user.whisper.message", Version: "1", Description: "User received whisper.", Status: "new"},
}

var (
	knownEventTypes     = map[string]bool{}
	versionsByEventType = map[string][]string{}
)

// Per the Twitch EventSub reference these types cannot be delivered over
// websocket sessions.
var webhookOnlyEventTypes = map[string]bool{
	"drop.entitlement.grant":            true,
	"extension.bits_transaction.create": true,
	"user.authorization.grant":          true,
	"user.authorization.revoke":         true,
}

func init() {
	for _, entry := range Catalog {
		knownEventTypes[entry.Type] = true
		versionsByEventType[entry.Type] = append(versionsByEventType[entry.Type], entry.Version)
	}
}

// NormalizeEventType lowercases and trims a caller-supplied event type.
func NormalizeEventType(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}

// KnownEventType reports whether the bridge recognises the event type.
func KnownEventType(eventType string) bool {
	return knownEventTypes[NormalizeEventType(eventType)]
}

// WebhookOnly reports whether Twitch restricts the event type to webhook
// delivery on the upstream leg.
func WebhookOnly(eventType string) bool {
	return webhookOnlyEventTypes[NormalizeEventType(eventType)]
}

// SupportedTransports returns the upstream transports Twitch accepts for
// the event type, webhook first.
func SupportedTransports(eventType string) []domain.Transport {
	if WebhookOnly(eventType) {
		return []domain.Transport{domain.TransportWebhook}
	}
	return []domain.Transport{domain.TransportWebhook, domain.TransportWs}
}

// SelectUpstreamTransport picks the upstream transport for a new
// subscription and explains the choice. Webhook wins whenever a callback
// is configured because the app-token flow survives restarts; websocket
// is the fallback for development setups without a public callback.
func SelectUpstreamTransport(eventType string, webhookConfigured bool) (domain.Transport, string) {
	normalized := NormalizeEventType(eventType)
	if normalized == "user.authorization.revoke" {
		return domain.TransportWebhook, "webhook-only by Twitch; required for authorization revoke handling"
	}
	if WebhookOnly(normalized) {
		return domain.TransportWebhook, "webhook-only by Twitch"
	}
	if webhookConfigured {
		return domain.TransportWebhook, "webhook preferred; app-token flow and durable delivery"
	}
	return domain.TransportWs, "webhook callback not configured; using websocket fallback"
}

// PreferredVersion returns the highest numeric version the catalog lists
// for the event type, or "1" when only non-numeric (beta) versions exist.
func PreferredVersion(eventType string) string {
	best := 0
	for _, v := range versionsByEventType[NormalizeEventType(eventType)] {
		if n, err := strconv.Atoi(v); err == nil && n > best {
			best = n
		}
	}
	if best == 0 {
		return "1"
	}
	return strconv.Itoa(best)
}

// RequiresConditionUserID reports whether the subscription condition must
// carry the bot's user_id in addition to the broadcaster.
func RequiresConditionUserID(eventType string) bool {
	normalized := NormalizeEventType(eventType)
	return strings.HasPrefix(normalized, "channel.chat.") || normalized == "channel.chat_settings.update"
}

// RequiredScopeGroups returns the scope requirements for an event type as
// any-of groups: the token must hold at least one scope from every group.
func RequiredScopeGroups(eventType string) [][]string {
	normalized := NormalizeEventType(eventType)
	switch {
	case strings.HasPrefix(normalized, "channel.channel_points_custom_reward"):
		return [][]string{{"channel:read:redemptions", "channel:manage:redemptions"}}
	case strings.HasPrefix(normalized, "channel.poll."):
		return [][]string{{"channel:read:polls", "channel:manage:polls"}}
	case strings.HasPrefix(normalized, "channel.prediction."):
		return [][]string{{"channel:read:predictions", "channel:manage:predictions"}}
	case strings.HasPrefix(normalized, "channel.goal."):
		return [][]string{{"channel:read:goals"}}
	case strings.HasPrefix(normalized, "channel.charity_campaign."):
		return [][]string{{"channel:read:charity"}}
	case normalized == "channel.ad_break.begin":
		return [][]string{{"channel:read:ads"}}
	case strings.HasPrefix(normalized, "channel.hype_train."):
		return [][]string{{"channel:read:hype_train"}}
	}
	return nil
}

// MissingScopes returns one representative scope per unsatisfied group.
func MissingScopes(eventType string, held []string) []string {
	heldSet := make(map[string]bool, len(held))
	for _, s := range held {
		heldSet[s] = true
	}
	var missing []string
	for _, group := range RequiredScopeGroups(eventType) {
		satisfied := false
		for _, s := range group {
			if heldSet[s] {
				satisfied = true
				break
			}
		}
		if !satisfied {
			missing = append(missing, group[0])
		}
	}
	return missing
}
