package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/require"

	"github.com/kwld/twitch-bridge/internal/config"
	"github.com/kwld/twitch-bridge/internal/crypto"
	"github.com/kwld/twitch-bridge/internal/domain"
	apperrors "github.com/kwld/twitch-bridge/internal/errors"
	"github.com/kwld/twitch-bridge/internal/eventsub"
	"github.com/kwld/twitch-bridge/internal/fanout"
	"github.com/kwld/twitch-bridge/internal/registry"
	"github.com/kwld/twitch-bridge/internal/token"
	"github.com/kwld/twitch-bridge/internal/twitch"
)

type fakeServiceRepo struct {
	mu       sync.Mutex
	services map[uuid.UUID]*domain.ServiceAccount
}

func newFakeServiceRepo() *fakeServiceRepo {
	return &fakeServiceRepo{services: make(map[uuid.UUID]*domain.ServiceAccount)}
}

func (f *fakeServiceRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[id]
	if !ok {
		return nil, domain.ErrServiceNotFound
	}
	clone := *svc
	return &clone, nil
}

func (f *fakeServiceRepo) List(_ context.Context) ([]domain.ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ServiceAccount, 0, len(f.services))
	for _, svc := range f.services {
		out = append(out, *svc)
	}
	return out, nil
}

type fakeBotRepo struct {
	mu   sync.Mutex
	bots map[uuid.UUID]*domain.BotAccount
}

func newFakeBotRepo() *fakeBotRepo {
	return &fakeBotRepo{bots: make(map[uuid.UUID]*domain.BotAccount)}
}

func (f *fakeBotRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.BotAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bot, ok := f.bots[id]
	if !ok {
		return nil, domain.ErrBotNotFound
	}
	clone := *bot
	return &clone, nil
}

func (f *fakeBotRepo) GetByTwitchUserID(_ context.Context, twitchUserID string) (*domain.BotAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, bot := range f.bots {
		if bot.TwitchUserID == twitchUserID {
			clone := *bot
			return &clone, nil
		}
	}
	return nil, domain.ErrBotNotFound
}

func (f *fakeBotRepo) UpdateTokens(_ context.Context, id uuid.UUID, accessToken, refreshToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bot, ok := f.bots[id]; ok {
		bot.AccessToken = accessToken
		bot.RefreshToken = refreshToken
		bot.TokenExpiry = expiry
	}
	return nil
}

func (f *fakeBotRepo) Disable(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bot, ok := f.bots[id]; ok {
		bot.Enabled = false
		bot.AccessToken = ""
		bot.RefreshToken = ""
	}
	return nil
}

type fakeCounterRepo struct {
	counters domain.ServiceCounters
}

func (f *fakeCounterRepo) IncrDelivered(context.Context, uuid.UUID, int64) error       { return nil }
func (f *fakeCounterRepo) IncrWebhookFailures(context.Context, uuid.UUID, int64) error { return nil }

func (f *fakeCounterRepo) Get(_ context.Context, serviceID uuid.UUID) (*domain.ServiceCounters, error) {
	counters := f.counters
	counters.ServiceID = serviceID
	return &counters, nil
}

type fakeInterestRepo struct {
	mu        sync.Mutex
	interests map[uuid.UUID]domain.Interest
}

func newFakeInterestRepo() *fakeInterestRepo {
	return &fakeInterestRepo{interests: make(map[uuid.UUID]domain.Interest)}
}

func (f *fakeInterestRepo) Insert(_ context.Context, interest *domain.Interest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.interests {
		if existing.ServiceID == interest.ServiceID && existing.Key == interest.Key &&
			existing.Transport == interest.Transport && existing.WebhookURL == interest.WebhookURL {
			return domain.ErrDuplicateInterest
		}
	}
	f.interests[interest.ID] = *interest
	return nil
}

func (f *fakeInterestRepo) GetByUnique(_ context.Context, serviceID uuid.UUID, key domain.InterestKey, transport domain.Transport, webhookURL string) (*domain.Interest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.interests {
		if existing.ServiceID == serviceID && existing.Key == key &&
			existing.Transport == transport && existing.WebhookURL == webhookURL {
			clone := existing
			return &clone, nil
		}
	}
	return nil, domain.ErrInterestNotFound
}

func (f *fakeInterestRepo) GetByID(_ context.Context, serviceID, id uuid.UUID) (*domain.Interest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	interest, ok := f.interests[id]
	if !ok || interest.ServiceID != serviceID {
		return nil, domain.ErrInterestNotFound
	}
	clone := interest
	return &clone, nil
}

func (f *fakeInterestRepo) Delete(_ context.Context, serviceID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	interest, ok := f.interests[id]
	if !ok || interest.ServiceID != serviceID {
		return domain.ErrInterestNotFound
	}
	delete(f.interests, id)
	return nil
}

func (f *fakeInterestRepo) TouchGroup(_ context.Context, serviceID, botID uuid.UUID, broadcasterUserID string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var touched int64
	for id, interest := range f.interests {
		if interest.ServiceID == serviceID && interest.Key.BotAccountID == botID &&
			interest.Key.BroadcasterUserID == broadcasterUserID {
			interest.UpdatedAt = now
			f.interests[id] = interest
			touched++
		}
	}
	return touched, nil
}

func (f *fakeInterestRepo) ListByKey(_ context.Context, key domain.InterestKey) ([]domain.Interest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Interest
	for _, interest := range f.interests {
		if interest.Key == key {
			out = append(out, interest)
		}
	}
	return out, nil
}

func (f *fakeInterestRepo) CountByKey(_ context.Context, key domain.InterestKey) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, interest := range f.interests {
		if interest.Key == key {
			count++
		}
	}
	return count, nil
}

func (f *fakeInterestRepo) ListAll(_ context.Context) ([]domain.Interest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Interest, 0, len(f.interests))
	for _, interest := range f.interests {
		out = append(out, interest)
	}
	return out, nil
}

func (f *fakeInterestRepo) DeleteStale(_ context.Context, cutoff time.Time) ([]domain.Interest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []domain.Interest
	for id, interest := range f.interests {
		if interest.UpdatedAt.Before(cutoff) {
			removed = append(removed, interest)
			delete(f.interests, id)
		}
	}
	return removed, nil
}

type fakeSubsRepo struct {
	mu   sync.Mutex
	subs map[string]domain.UpstreamSubscription
}

func newFakeSubsRepo() *fakeSubsRepo {
	return &fakeSubsRepo{subs: make(map[string]domain.UpstreamSubscription)}
}

func (f *fakeSubsRepo) Upsert(_ context.Context, sub *domain.UpstreamSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = *sub
	return nil
}

func (f *fakeSubsRepo) GetByID(_ context.Context, id string) (*domain.UpstreamSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	clone := sub
	return &clone, nil
}

func (f *fakeSubsRepo) GetActiveByKey(_ context.Context, key domain.InterestKey) (*domain.UpstreamSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.Key == key && sub.Active() {
			clone := sub
			return &clone, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (f *fakeSubsRepo) UpdateStatus(_ context.Context, id string, status domain.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		sub.Status = status
		f.subs[id] = sub
	}
	return nil
}

func (f *fakeSubsRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeSubsRepo) ListAll(_ context.Context) ([]domain.UpstreamSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UpstreamSubscription, 0, len(f.subs))
	for _, sub := range f.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (f *fakeSubsRepo) ListByTransport(_ context.Context, transport domain.Transport) ([]domain.UpstreamSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UpstreamSubscription
	for _, sub := range f.subs {
		if sub.Transport == transport {
			out = append(out, sub)
		}
	}
	return out, nil
}

type fakeChannelRepo struct {
	mu     sync.Mutex
	states map[string]domain.ChannelState
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{states: make(map[string]domain.ChannelState)}
}

func (f *fakeChannelRepo) Upsert(_ context.Context, state *domain.ChannelState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.BotAccountID.String()+"/"+state.BroadcasterUserID] = *state
	return nil
}

func (f *fakeChannelRepo) Get(_ context.Context, botID uuid.UUID, broadcasterUserID string) (*domain.ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[botID.String()+"/"+broadcasterUserID]
	if !ok {
		return nil, domain.ErrChannelStateNotFound
	}
	clone := state
	return &clone, nil
}

func (f *fakeChannelRepo) ListByBot(_ context.Context, botID uuid.UUID) ([]domain.ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ChannelState
	for _, state := range f.states {
		if state.BotAccountID == botID {
			out = append(out, state)
		}
	}
	return out, nil
}

type staticResolver struct{}

func (staticResolver) ResolveBroadcaster(_ context.Context, raw string) (*twitch.User, error) {
	return &twitch.User{ID: raw, Login: "login-" + raw}, nil
}

type fakeUpstream struct {
	mu sync.Mutex
	id string
}

func (f *fakeUpstream) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

type serverEnv struct {
	server     *Server
	http       *httptest.Server
	services   *fakeServiceRepo
	bots       *fakeBotRepo
	interests  *fakeInterestRepo
	registry   *registry.Registry
	hub        *fanout.Hub
	tokens     *token.MemoryStore
	tokenClock *clockwork.FakeClock
	upstream   *fakeUpstream
}

// newServerEnv wires a full server around in-memory fakes. The metrics
// middleware is left out so parallel test servers do not fight over the
// global prometheus registry.
func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	clock := clockwork.NewRealClock()
	services := newFakeServiceRepo()
	bots := newFakeBotRepo()
	interests := newFakeInterestRepo()
	counters := &fakeCounterRepo{}

	keys := registry.NewKeyLock()
	reg := registry.New(interests, staticResolver{}, clock, keys)

	hub := fanout.NewHub(clock, 4)
	t.Cleanup(hub.Stop)
	deliverer := fanout.NewDeliverer(counters)
	t.Cleanup(deliverer.Stop)
	dispatcher := fanout.NewDispatcher(reg, fanout.NewCodec(clock, nil), hub, deliverer, services, counters)

	manager := eventsub.NewManager(nil, newFakeSubsRepo(), bots, reg, keys, dispatcher,
		newFakeChannelRepo(), clock, "", "")

	tokenClock := clockwork.NewFakeClock()
	tokens := token.NewMemoryStore(tokenClock)
	upstream := &fakeUpstream{id: "sess-1"}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:      e,
		config:    &config.Config{Port: "0"},
		registry:  reg,
		manager:   manager,
		hub:       hub,
		tokens:    tokens,
		ingress:   nil,
		services:  services,
		bots:      bots,
		counters:  counters,
		upstream:  upstream,
		clock:     clock,
		startTime: clock.Now(),
	}
	srv.registerRoutes()

	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	return &serverEnv{
		server:     srv,
		http:       httpServer,
		services:   services,
		bots:       bots,
		interests:  interests,
		registry:   reg,
		hub:        hub,
		tokens:     tokens,
		tokenClock: tokenClock,
		upstream:   upstream,
	}
}

// seedService stores an enabled service account and returns it with its
// plaintext secret.
func (env *serverEnv) seedService(t *testing.T) (*domain.ServiceAccount, string) {
	t.Helper()

	secret := "service-secret"
	hash, err := crypto.HashSecret(secret)
	require.NoError(t, err)

	svc := &domain.ServiceAccount{
		ID:         uuid.New(),
		Name:       "test-service",
		SecretHash: hash,
		Enabled:    true,
	}
	env.services.mu.Lock()
	env.services.services[svc.ID] = svc
	env.services.mu.Unlock()
	return svc, secret
}

func (env *serverEnv) seedBot(t *testing.T) *domain.BotAccount {
	t.Helper()

	bot := &domain.BotAccount{
		ID:           uuid.New(),
		TwitchUserID: "50001",
		Login:        "bridgebot",
		AccessToken:  "access",
		RefreshToken: "refresh",
		Enabled:      true,
	}
	env.bots.mu.Lock()
	env.bots.bots[bot.ID] = bot
	env.bots.mu.Unlock()
	return bot
}

// request performs an HTTP call against the test server with service
// credentials attached and decodes the JSON response body.
func (env *serverEnv) request(t *testing.T, method, path string, body any, svc *domain.ServiceAccount, secret string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, env.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if svc != nil {
		req.Header.Set(headerServiceID, svc.ID.String())
		req.Header.Set(headerServiceSecret, secret)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	decoded := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}
