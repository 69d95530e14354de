package twitch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeBroadcasterTarget accepts a Twitch user id, a login, an
// @-prefixed login, or a twitch.tv URL and reduces it to a bare id or
// login token. Returns "" for input that cannot carry a target.
func NormalizeBroadcasterTarget(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil {
			host := strings.ToLower(u.Host)
			if host == "twitch.tv" || strings.HasSuffix(host, ".twitch.tv") {
				path := strings.Trim(u.Path, "/")
				if path != "" {
					value = strings.SplitN(path, "/", 2)[0]
				}
			}
		}
	}

	value = strings.TrimPrefix(strings.TrimSpace(value), "@")
	if i := strings.IndexByte(value, '/'); i >= 0 {
		value = value[:i]
	}
	if i := strings.IndexByte(value, '?'); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ResolveBroadcaster normalizes the target and resolves it to a numeric
// Twitch user id via Helix. Numeric input is verified to exist; logins
// are looked up case-insensitively.
func (c *Client) ResolveBroadcaster(ctx context.Context, raw string) (*User, error) {
	target := NormalizeBroadcasterTarget(raw)
	if target == "" {
		return nil, fmt.Errorf("empty broadcaster target")
	}

	var users []User
	var err error
	if isDigits(target) {
		users, err = c.GetUsers(ctx, []string{target}, nil)
	} else {
		users, err = c.GetUsers(ctx, nil, []string{strings.ToLower(target)})
	}
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("broadcaster %q not found", target)
	}
	return &users[0], nil
}
