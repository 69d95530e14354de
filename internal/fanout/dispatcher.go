package fanout

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/metrics"
)

// InterestSource answers which interests match a key. The interest
// registry implements it.
type InterestSource interface {
	Interested(key domain.InterestKey) []domain.Interest
}

// Dispatcher fans one routed notification out to every matching interest.
// WebSocket publishes run inline against the hub actor; webhook deliveries
// are queued and never block the caller.
type Dispatcher struct {
	source    InterestSource
	codec     *Codec
	hub       *Hub
	deliverer *Deliverer
	services  domain.ServiceAccountRepository
	counters  domain.ServiceCounterRepository
}

func NewDispatcher(
	source InterestSource,
	codec *Codec,
	hub *Hub,
	deliverer *Deliverer,
	services domain.ServiceAccountRepository,
	counters domain.ServiceCounterRepository,
) *Dispatcher {
	return &Dispatcher{
		source:    source,
		codec:     codec,
		hub:       hub,
		deliverer: deliverer,
		services:  services,
		counters:  counters,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, key domain.InterestKey, n *domain.Notification) {
	interests := d.source.Interested(key)
	if len(interests) == 0 {
		metrics.FanoutDropped.WithLabelValues("no_interest").Inc()
		return
	}
	d.DispatchInterests(ctx, key, interests, n)
}

// DispatchInterests delivers to an explicit interest subset. Callers that
// pre-filter recipients use this instead of Dispatch.
func (d *Dispatcher) DispatchInterests(ctx context.Context, key domain.InterestKey, interests []domain.Interest, n *domain.Notification) {
	envelope, err := d.codec.Encode(ctx, n)
	if err != nil {
		slog.Error("Failed to encode envelope",
			"event_type", n.EventType,
			"message_id", n.MessageID,
			"error", err,
		)
		return
	}

	wsServices := make(map[uuid.UUID]struct{})
	serviceCache := make(map[uuid.UUID]*domain.ServiceAccount)

	for _, interest := range interests {
		switch interest.Transport {
		case domain.TransportWs:
			wsServices[interest.ServiceID] = struct{}{}
		case domain.TransportWebhook:
			svc, ok := d.lookupService(ctx, serviceCache, interest.ServiceID)
			if !ok {
				continue
			}
			d.deliverer.Enqueue(Job{
				ServiceID: interest.ServiceID,
				Key:       key,
				URL:       interest.WebhookURL,
				Secret:    svc.WebhookSecret,
				Body:      envelope,
			})
		}
	}

	for serviceID := range wsServices {
		if d.hub.Publish(serviceID, envelope) == 0 {
			continue
		}
		if err := d.counters.IncrDelivered(ctx, serviceID, 1); err != nil {
			slog.Warn("Failed to record delivery counter",
				"service_id", serviceID.String(),
				"error", err,
			)
		}
	}
}

func (d *Dispatcher) lookupService(ctx context.Context, cache map[uuid.UUID]*domain.ServiceAccount, serviceID uuid.UUID) (*domain.ServiceAccount, bool) {
	if svc, ok := cache[serviceID]; ok {
		return svc, svc != nil && svc.Enabled
	}

	svc, err := d.services.GetByID(ctx, serviceID)
	if err != nil {
		slog.Warn("Failed to load service account for webhook delivery",
			"service_id", serviceID.String(),
			"error", err,
		)
		cache[serviceID] = nil
		return nil, false
	}
	cache[serviceID] = svc
	return svc, svc.Enabled
}
