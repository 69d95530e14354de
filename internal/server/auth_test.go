package server

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kwld/twitch-bridge/internal/domain"
	apperrors "github.com/kwld/twitch-bridge/internal/errors"
)

func TestRequireServiceMissingCredentials(t *testing.T) {
	env := newServerEnv(t)

	status, body := env.request(t, http.MethodGet, "/v1/stats", nil, nil, "")

	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, apperrors.CodeInvalidServiceCreds, body["code"])
}

func TestRequireServiceMalformedID(t *testing.T) {
	env := newServerEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/v1/stats", nil)
	req.Header.Set(headerServiceID, "not-a-uuid")
	req.Header.Set(headerServiceSecret, "whatever")
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequireServiceUnknownService(t *testing.T) {
	env := newServerEnv(t)

	unknown := &domain.ServiceAccount{ID: uuid.New()}
	status, body := env.request(t, http.MethodGet, "/v1/stats", nil, unknown, "whatever")

	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, apperrors.CodeInvalidServiceCreds, body["code"])
}

func TestRequireServiceWrongSecret(t *testing.T) {
	env := newServerEnv(t)
	svc, _ := env.seedService(t)

	status, body := env.request(t, http.MethodGet, "/v1/stats", nil, svc, "wrong-secret")

	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, apperrors.CodeInvalidServiceCreds, body["code"])
}

func TestRequireServiceDisabled(t *testing.T) {
	env := newServerEnv(t)
	svc, secret := env.seedService(t)
	env.services.mu.Lock()
	env.services.services[svc.ID].Enabled = false
	env.services.mu.Unlock()

	status, body := env.request(t, http.MethodGet, "/v1/stats", nil, svc, secret)

	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, apperrors.CodeInvalidServiceCreds, body["code"])
}

func TestRequireServiceSuccess(t *testing.T) {
	env := newServerEnv(t)
	svc, secret := env.seedService(t)

	status, body := env.request(t, http.MethodGet, "/v1/stats", nil, svc, secret)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, svc.ID.String(), body["service_id"])
}
