// Package server exposes the bridge's HTTP surface: the service-facing
// interest API, the downstream WebSocket endpoint, the Twitch webhook
// ingress, and the observability endpoints.
package server
