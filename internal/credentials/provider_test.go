package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"unical/internal/errs"
	"unical/internal/model"
)

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]model.OAuthToken
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: map[string]model.OAuthToken{}}
}

func (m *memTokenStore) OAuthTokenForSource(_ context.Context, sourceID string) (model.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[sourceID]
	if !ok {
		return model.OAuthToken{}, errs.ErrNotFound
	}
	return tok, nil
}

func (m *memTokenStore) SaveOAuthToken(_ context.Context, tok model.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.SourceID] = tok
	return nil
}

func oauthSource(id string) model.CalendarSource {
	return model.CalendarSource{ID: id, Kind: model.KindOAuthCalendar}
}

func tokenEndpoint(t *testing.T, hits *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func TestResolve_ICSNeedsNoCredentials(t *testing.T) {
	p := NewProvider(newMemTokenStore(), nil, nil)
	creds, err := p.Resolve(context.Background(), model.CalendarSource{ID: "s", Kind: model.KindICS})
	require.NoError(t, err)
	require.Empty(t, creds.AccessToken)
}

func TestResolve_CalDAVPassesThroughPassword(t *testing.T) {
	p := NewProvider(newMemTokenStore(), nil, nil)

	creds, err := p.Resolve(context.Background(), model.CalendarSource{
		ID: "s", Kind: model.KindCalDAV, Username: "alice", Password: "pw",
	})
	require.NoError(t, err)
	require.Equal(t, "alice", creds.Username)
	require.Equal(t, "pw", creds.Password)

	_, err = p.Resolve(context.Background(), model.CalendarSource{ID: "s", Kind: model.KindCalDAV})
	require.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestResolve_ValidTokenUsedWithoutRefresh(t *testing.T) {
	var hits atomic.Int32
	srv := tokenEndpoint(t, &hits, http.StatusOK)
	defer srv.Close()

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{
		SourceID:    "s",
		AccessToken: "still-good",
		Expiry:      time.Now().Add(time.Hour),
		TokenURL:    srv.URL,
	}

	p := NewProvider(store, srv.Client(), nil)
	creds, err := p.Resolve(context.Background(), oauthSource("s"))
	require.NoError(t, err)
	require.Equal(t, "still-good", creds.AccessToken)
	require.Zero(t, hits.Load())
}

func TestResolve_ExpiredTokenRefreshedAndPersisted(t *testing.T) {
	var hits atomic.Int32
	srv := tokenEndpoint(t, &hits, http.StatusOK)
	defer srv.Close()

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{
		SourceID:     "s",
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
		TokenURL:     srv.URL,
	}

	p := NewProvider(store, srv.Client(), nil)
	creds, err := p.Resolve(context.Background(), oauthSource("s"))
	require.NoError(t, err)
	require.Equal(t, "fresh-token", creds.AccessToken)
	require.Equal(t, int32(1), hits.Load())

	saved, err := store.OAuthTokenForSource(context.Background(), "s")
	require.NoError(t, err)
	require.Equal(t, "fresh-token", saved.AccessToken)
}

// A token expiring within the skew margin is refreshed eagerly.
func TestResolve_NearExpiryTreatedAsExpired(t *testing.T) {
	var hits atomic.Int32
	srv := tokenEndpoint(t, &hits, http.StatusOK)
	defer srv.Close()

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{
		SourceID:     "s",
		AccessToken:  "about-to-lapse",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(30 * time.Second),
		TokenURL:     srv.URL,
	}

	p := NewProvider(store, srv.Client(), nil)
	creds, err := p.Resolve(context.Background(), oauthSource("s"))
	require.NoError(t, err)
	require.Equal(t, "fresh-token", creds.AccessToken)
	require.Equal(t, int32(1), hits.Load())
}

// Concurrent resolves for the same source share one refresh call.
func TestResolve_ConcurrentRefreshCoalesced(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{
		SourceID:     "s",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
		TokenURL:     srv.URL,
	}

	p := NewProvider(store, srv.Client(), nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errors := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := p.Resolve(context.Background(), oauthSource("s"))
			results[i] = creds.AccessToken
			errors[i] = err
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), hits.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errors[i])
		require.Equal(t, "fresh-token", results[i])
	}
}

// The refresh call runs on its own deadline; an expiring trigger context
// must not poison the result shared by coalesced waiters.
func TestResolve_RefreshSurvivesExpiredCallerContext(t *testing.T) {
	var hits atomic.Int32
	srv := tokenEndpoint(t, &hits, http.StatusOK)
	defer srv.Close()

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{
		SourceID:     "s",
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
		TokenURL:     srv.URL,
	}

	p := NewProvider(store, srv.Client(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	creds, err := p.Resolve(ctx, oauthSource("s"))
	require.NoError(t, err)
	require.Equal(t, "fresh-token", creds.AccessToken)
	require.Equal(t, int32(1), hits.Load())
}

func TestResolve_RejectedRefreshIsAuthExpired(t *testing.T) {
	var hits atomic.Int32
	srv := tokenEndpoint(t, &hits, http.StatusBadRequest)
	defer srv.Close()

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{
		SourceID:     "s",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
		TokenURL:     srv.URL,
	}

	p := NewProvider(store, srv.Client(), nil)
	_, err := p.Resolve(context.Background(), oauthSource("s"))
	require.ErrorIs(t, err, errs.ErrAuthExpired)
}

func TestResolve_TokenEndpointOutageIsTransient(t *testing.T) {
	var hits atomic.Int32
	srv := tokenEndpoint(t, &hits, http.StatusInternalServerError)
	defer srv.Close()

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{
		SourceID:     "s",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
		TokenURL:     srv.URL,
	}

	p := NewProvider(store, srv.Client(), nil)
	_, err := p.Resolve(context.Background(), oauthSource("s"))
	require.ErrorIs(t, err, errs.ErrTransientNetwork)
}

func TestResolve_MissingGrant(t *testing.T) {
	p := NewProvider(newMemTokenStore(), nil, nil)
	_, err := p.Resolve(context.Background(), oauthSource("s"))
	require.ErrorIs(t, err, errs.ErrAuthInvalid)

	store := newMemTokenStore()
	store.tokens["s"] = model.OAuthToken{SourceID: "s", AccessToken: "stale", Expiry: time.Now().Add(-time.Hour)}
	p = NewProvider(store, nil, nil)
	_, err = p.Resolve(context.Background(), oauthSource("s"))
	require.ErrorIs(t, err, errs.ErrAuthExpired)
}
