// Package registry owns live interests: which service wants which event
// for which broadcaster, over which downstream transport. The database row
// is the source of truth; an in-memory index serves the fan-out hot path.
package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kwld/twitch-bridge/internal/domain"
	"github.com/kwld/twitch-bridge/internal/errors"
	"github.com/kwld/twitch-bridge/internal/metrics"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

// StaleTTL is how long an interest survives without a heartbeat.
const StaleTTL = 60 * time.Minute

// companionEventTypes are auto-registered alongside every interest so
// services always learn when their broadcasters go live or offline.
var companionEventTypes = []string{"stream.online", "stream.offline"}

// BroadcasterResolver turns a raw broadcaster target (numeric id, login,
// or channel URL) into a Twitch user.
type BroadcasterResolver interface {
	ResolveBroadcaster(ctx context.Context, raw string) (*twitch.User, error)
}

type UpsertParams struct {
	BotAccountID uuid.UUID
	EventType    string
	Broadcaster  string
	Transport    domain.Transport
	WebhookURL   string
}

type UpsertResult struct {
	Interest *domain.Interest
	Created  bool
	// EnsureKeys lists every key the subscription manager should ensure,
	// the upserted key plus any companion keys.
	EnsureKeys []domain.InterestKey
}

type Registry struct {
	interests domain.InterestRepository
	resolver  BroadcasterResolver
	clock     clockwork.Clock
	keys      *KeyLock

	mu    chan struct{} // acts as a mutex guarding the maps below
	byKey map[domain.InterestKey]map[uuid.UUID]domain.Interest
	byID  map[uuid.UUID]domain.Interest
}

func New(interests domain.InterestRepository, resolver BroadcasterResolver, clock clockwork.Clock, keys *KeyLock) *Registry {
	r := &Registry{
		interests: interests,
		resolver:  resolver,
		clock:     clock,
		keys:      keys,
		mu:        make(chan struct{}, 1),
		byKey:     make(map[domain.InterestKey]map[uuid.UUID]domain.Interest),
		byID:      make(map[uuid.UUID]domain.Interest),
	}
	return r
}

func (r *Registry) lock()   { r.mu <- struct{}{} }
func (r *Registry) unlock() { <-r.mu }

// Load rebuilds the in-memory index from the database. Called once at boot.
func (r *Registry) Load(ctx context.Context) error {
	all, err := r.interests.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load interests: %w", err)
	}

	r.lock()
	defer r.unlock()

	r.byKey = make(map[domain.InterestKey]map[uuid.UUID]domain.Interest)
	r.byID = make(map[uuid.UUID]domain.Interest)
	for _, interest := range all {
		r.indexLocked(interest)
	}
	r.updateGaugesLocked()

	slog.Info("Interest registry loaded", "interests", len(all), "keys", len(r.byKey))
	return nil
}

// Upsert registers an interest, creating it if the unique tuple is new and
// refreshing it otherwise. New interests get ws companions for
// stream.online and stream.offline on the same (service, bot, broadcaster).
func (r *Registry) Upsert(ctx context.Context, serviceID uuid.UUID, p UpsertParams) (*UpsertResult, error) {
	eventType := twitch.NormalizeEventType(p.EventType)
	if !twitch.KnownEventType(eventType) {
		return nil, errors.ValidationError(errors.CodeUnknownEventType,
			fmt.Sprintf("unknown event type %q", p.EventType))
	}
	if !p.Transport.Valid() {
		return nil, errors.ValidationError("invalid_transport",
			fmt.Sprintf("transport must be %q or %q", domain.TransportWs, domain.TransportWebhook))
	}
	if p.Transport == domain.TransportWebhook && p.WebhookURL == "" {
		return nil, errors.ValidationError(errors.CodeWebhookURLRequired,
			"webhook transport requires webhook_url")
	}
	if p.Transport == domain.TransportWs && p.WebhookURL != "" {
		return nil, errors.ValidationError(errors.CodeWebhookURLRequired,
			"webhook_url is only valid with webhook transport")
	}

	user, err := r.resolver.ResolveBroadcaster(ctx, p.Broadcaster)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidBroadcaster,
			fmt.Sprintf("cannot resolve broadcaster %q: %v", p.Broadcaster, err))
	}

	key := domain.InterestKey{
		BotAccountID:      p.BotAccountID,
		EventType:         eventType,
		BroadcasterUserID: user.ID,
	}

	r.keys.Lock(key)
	defer r.keys.Unlock(key)

	interest, created, err := r.insertOrTouch(ctx, serviceID, key, p.Transport, p.WebhookURL)
	if err != nil {
		return nil, err
	}

	result := &UpsertResult{
		Interest:   interest,
		Created:    created,
		EnsureKeys: []domain.InterestKey{key},
	}

	if created {
		for _, companionType := range companionEventTypes {
			companionKey := domain.InterestKey{
				BotAccountID:      key.BotAccountID,
				EventType:         companionType,
				BroadcasterUserID: key.BroadcasterUserID,
			}
			if companionKey == key {
				continue
			}
			if err := r.ensureCompanion(ctx, serviceID, companionKey); err != nil {
				slog.Warn("Failed to ensure companion interest",
					"service_id", serviceID.String(),
					"event_type", companionType,
					"broadcaster_user_id", key.BroadcasterUserID,
					"error", err,
				)
				continue
			}
			result.EnsureKeys = append(result.EnsureKeys, companionKey)
		}
	}

	return result, nil
}

func (r *Registry) insertOrTouch(ctx context.Context, serviceID uuid.UUID, key domain.InterestKey, transport domain.Transport, webhookURL string) (*domain.Interest, bool, error) {
	now := r.clock.Now().UTC()
	interest := &domain.Interest{
		ID:         uuid.New(),
		ServiceID:  serviceID,
		Key:        key,
		Transport:  transport,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := r.interests.Insert(ctx, interest)
	if stderrors.Is(err, domain.ErrDuplicateInterest) {
		existing, err := r.interests.GetByUnique(ctx, serviceID, key, transport, webhookURL)
		if err != nil {
			return nil, false, fmt.Errorf("failed to re-read interest after conflict: %w", err)
		}
		if _, err := r.interests.TouchGroup(ctx, serviceID, key.BotAccountID, key.BroadcasterUserID, now); err != nil {
			return nil, false, fmt.Errorf("failed to refresh interest: %w", err)
		}
		existing.UpdatedAt = now

		r.lock()
		r.indexLocked(*existing)
		r.touchGroupLocked(serviceID, key.BotAccountID, key.BroadcasterUserID, now)
		r.updateGaugesLocked()
		r.unlock()

		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	r.lock()
	r.indexLocked(*interest)
	r.updateGaugesLocked()
	r.unlock()

	return interest, true, nil
}

// ensureCompanion inserts a ws companion interest, ignoring duplicates.
// The caller holds the lock for the primary key; companion keys differ, so
// locking them here cannot deadlock.
func (r *Registry) ensureCompanion(ctx context.Context, serviceID uuid.UUID, key domain.InterestKey) error {
	r.keys.Lock(key)
	defer r.keys.Unlock(key)

	_, _, err := r.insertOrTouch(ctx, serviceID, key, domain.TransportWs, "")
	return err
}

// Delete removes one interest. lastForKey reports whether its key has no
// remaining interests across all services.
func (r *Registry) Delete(ctx context.Context, serviceID, interestID uuid.UUID) (key domain.InterestKey, lastForKey bool, err error) {
	r.lock()
	interest, ok := r.byID[interestID]
	r.unlock()
	if !ok || interest.ServiceID != serviceID {
		return domain.InterestKey{}, false, domain.ErrInterestNotFound
	}
	key = interest.Key

	r.keys.Lock(key)
	defer r.keys.Unlock(key)

	if err := r.interests.Delete(ctx, serviceID, interestID); err != nil {
		return domain.InterestKey{}, false, err
	}

	r.lock()
	r.removeLocked(interestID)
	lastForKey = len(r.byKey[key]) == 0
	r.updateGaugesLocked()
	r.unlock()

	return key, lastForKey, nil
}

// Heartbeat refreshes every interest of the service sharing the target's
// (bot, broadcaster) group. One live consumer keeps the whole cluster of
// related interests alive.
func (r *Registry) Heartbeat(ctx context.Context, serviceID, interestID uuid.UUID) (int64, error) {
	r.lock()
	interest, ok := r.byID[interestID]
	r.unlock()
	if !ok || interest.ServiceID != serviceID {
		return 0, domain.ErrInterestNotFound
	}

	now := r.clock.Now().UTC()
	touched, err := r.interests.TouchGroup(ctx, serviceID, interest.Key.BotAccountID, interest.Key.BroadcasterUserID, now)
	if err != nil {
		return 0, err
	}

	r.lock()
	r.touchGroupLocked(serviceID, interest.Key.BotAccountID, interest.Key.BroadcasterUserID, now)
	r.unlock()

	return touched, nil
}

// Interested returns a snapshot of the interests matching a key.
func (r *Registry) Interested(key domain.InterestKey) []domain.Interest {
	r.lock()
	defer r.unlock()

	ids := r.byKey[key]
	if len(ids) == 0 {
		return nil
	}
	out := make([]domain.Interest, 0, len(ids))
	for _, interest := range ids {
		out = append(out, interest)
	}
	return out
}

// HasKey reports whether any interest references the key.
func (r *Registry) HasKey(key domain.InterestKey) bool {
	r.lock()
	defer r.unlock()
	return len(r.byKey[key]) > 0
}

// Keys returns a snapshot of all live keys.
func (r *Registry) Keys() []domain.InterestKey {
	r.lock()
	defer r.unlock()

	out := make([]domain.InterestKey, 0, len(r.byKey))
	for key := range r.byKey {
		out = append(out, key)
	}
	return out
}

// ListByService returns a snapshot of one service's interests.
func (r *Registry) ListByService(serviceID uuid.UUID) []domain.Interest {
	r.lock()
	defer r.unlock()

	var out []domain.Interest
	for _, interest := range r.byID {
		if interest.ServiceID == serviceID {
			out = append(out, interest)
		}
	}
	return out
}

// PruneStale deletes interests that have not seen a heartbeat within the
// TTL and returns the keys left with no interests at all.
func (r *Registry) PruneStale(ctx context.Context) ([]domain.InterestKey, error) {
	cutoff := r.clock.Now().UTC().Add(-StaleTTL)
	removed, err := r.interests.DeleteStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune stale interests: %w", err)
	}
	if len(removed) == 0 {
		return nil, nil
	}

	r.lock()
	candidates := make(map[domain.InterestKey]struct{})
	for _, interest := range removed {
		r.removeLocked(interest.ID)
		candidates[interest.Key] = struct{}{}
	}
	var orphaned []domain.InterestKey
	for key := range candidates {
		if len(r.byKey[key]) == 0 {
			orphaned = append(orphaned, key)
		}
	}
	r.updateGaugesLocked()
	r.unlock()

	metrics.InterestsPruned.Add(float64(len(removed)))
	slog.Info("Pruned stale interests", "removed", len(removed), "orphaned_keys", len(orphaned))
	return orphaned, nil
}

// --- index maintenance, callers hold the registry lock ---

func (r *Registry) indexLocked(interest domain.Interest) {
	r.byID[interest.ID] = interest
	ids := r.byKey[interest.Key]
	if ids == nil {
		ids = make(map[uuid.UUID]domain.Interest)
		r.byKey[interest.Key] = ids
	}
	ids[interest.ID] = interest
}

func (r *Registry) removeLocked(id uuid.UUID) {
	interest, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	ids := r.byKey[interest.Key]
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.byKey, interest.Key)
	}
}

func (r *Registry) touchGroupLocked(serviceID, botID uuid.UUID, broadcasterUserID string, now time.Time) {
	for id, interest := range r.byID {
		if interest.ServiceID != serviceID ||
			interest.Key.BotAccountID != botID ||
			interest.Key.BroadcasterUserID != broadcasterUserID {
			continue
		}
		interest.UpdatedAt = now
		r.byID[id] = interest
		r.byKey[interest.Key][id] = interest
	}
}

func (r *Registry) updateGaugesLocked() {
	var ws, webhook float64
	for _, interest := range r.byID {
		switch interest.Transport {
		case domain.TransportWs:
			ws++
		case domain.TransportWebhook:
			webhook++
		}
	}
	metrics.InterestsActive.WithLabelValues(string(domain.TransportWs)).Set(ws)
	metrics.InterestsActive.WithLabelValues(string(domain.TransportWebhook)).Set(webhook)
}
