package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"unical/internal/config"
	"unical/internal/errs"
	"unical/internal/model"
)

type fakeStore struct {
	sources      map[string][]model.CalendarSource
	runs         map[string][]model.SyncRun
	deleted      []string
	reauthed     []string
	rotatedUsers []string
}

func (f *fakeStore) SourcesForUser(_ context.Context, userID string) ([]model.CalendarSource, error) {
	return f.sources[userID], nil
}

func (f *fakeStore) DeleteSource(_ context.Context, id string) error {
	if id == "missing" {
		return errs.ErrNotFound
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) RotateFeedToken(_ context.Context, userID string) (string, error) {
	if userID == "missing" {
		return "", errs.ErrNotFound
	}
	f.rotatedUsers = append(f.rotatedUsers, userID)
	return "new-token", nil
}

func (f *fakeStore) ClearSourceReauth(_ context.Context, id string) error {
	f.reauthed = append(f.reauthed, id)
	return nil
}

func (f *fakeStore) SyncRunsForSource(_ context.Context, sourceID string, _ int) ([]model.SyncRun, error) {
	return f.runs[sourceID], nil
}

type fakeSyncer struct {
	sourceIDs []string
	started   bool
}

func (f *fakeSyncer) SyncSource(sourceID string) bool {
	f.sourceIDs = append(f.sourceIDs, sourceID)
	return f.started
}

func (f *fakeSyncer) SyncUser(_ context.Context, _ string) (int, error) {
	return 2, nil
}

type fakeFeed struct {
	docs map[string]string
}

func (f *fakeFeed) GenerateByToken(_ context.Context, token string) (string, error) {
	doc, ok := f.docs[token]
	if !ok {
		return "", errs.ErrNotFound
	}
	return doc, nil
}

func newTestServer(cfg *config.Config) (*fakeStore, *fakeSyncer, *httptest.Server) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	st := &fakeStore{
		sources: map[string][]model.CalendarSource{},
		runs:    map[string][]model.SyncRun{},
	}
	sy := &fakeSyncer{started: true}
	fd := &fakeFeed{docs: map[string]string{
		"good-token": "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
	}}
	srv := httptest.NewServer(NewServer(cfg, st, sy, fd, nil).Handler())
	return st, sy, srv
}

func TestFeedEndpoint(t *testing.T) {
	_, _, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/feed/good-token.ics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/calendar; charset=utf-8", resp.Header.Get("Content-Type"))

	// The plain token form works too.
	resp2, err := http.Get(srv.URL + "/feed/good-token")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestFeedEndpoint_UnknownTokenIs404(t *testing.T) {
	_, _, srv := newTestServer(nil)
	defer srv.Close()

	for _, path := range []string{"/feed/rotated-away.ics", "/feed/", "/feed/a/b"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, "path %s", path)
	}
}

func TestFeedEndpoint_MethodNotAllowed(t *testing.T) {
	_, _, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/feed/good-token.ics", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncNow_SourceTrigger(t *testing.T) {
	_, sy, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sync?source=s1", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, true, body["accepted"])
	require.Equal(t, true, body["started"])
	require.Equal(t, false, body["coalesced"])
	require.Equal(t, []string{"s1"}, sy.sourceIDs)
}

func TestSyncNow_CoalescedTrigger(t *testing.T) {
	cfg := config.DefaultConfig()
	st := &fakeStore{sources: map[string][]model.CalendarSource{}}
	sy := &fakeSyncer{started: false}
	srv := httptest.NewServer(NewServer(cfg, st, sy, &fakeFeed{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sync?source=s1", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, true, body["coalesced"])
}

func TestSyncNow_UserTrigger(t *testing.T) {
	_, _, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sync?user=u1", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, float64(2), body["started"])
}

func TestSyncNow_MissingParams(t *testing.T) {
	_, _, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sync", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSources_ListsStatus(t *testing.T) {
	st, _, srv := newTestServer(nil)
	defer srv.Close()

	st.sources["u1"] = []model.CalendarSource{
		{
			ID:        "s1",
			Name:      "work",
			Kind:      model.KindICS,
			Masking:   model.MaskingBusyOnly,
			Enabled:   true,
			Status:    model.StatusNeedsReauth,
			LastError: "authorization expired",
		},
		{
			ID:         "s2",
			Name:       "home",
			Kind:       model.KindCalDAV,
			Enabled:    true,
			Status:     model.StatusSuccess,
			LastSyncAt: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		},
	}

	resp, err := http.Get(srv.URL + "/api/sources?user=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 2)

	require.Equal(t, "needs-reauth", body[0]["status"])
	require.Equal(t, true, body[0]["needs_reauth"])
	require.Equal(t, "authorization expired", body[0]["last_error"])

	require.Equal(t, "success", body[1]["status"])
	require.Equal(t, false, body[1]["needs_reauth"])
	require.Equal(t, "2025-01-15T12:00:00Z", body[1]["last_sync_at"])
}

func TestDeleteSourceEndpoint(t *testing.T) {
	st, _, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sources/delete?id=s1", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"s1"}, st.deleted)

	resp, err = http.Post(srv.URL+"/api/sources/delete?id=missing", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReauthorizedEndpoint(t *testing.T) {
	st, sy, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sources/reauthorized?id=s1", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{"s1"}, st.reauthed)
	// Clearing reauth immediately re-attempts the source.
	require.Equal(t, []string{"s1"}, sy.sourceIDs)
}

func TestRotateTokenEndpoint(t *testing.T) {
	_, _, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/feed-token/rotate?user=u1", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "new-token", body["feed_token"])

	resp2, err := http.Post(srv.URL+"/api/feed-token/rotate?user=missing", "", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestBasicAuth_ProtectsAPIButNotFeed(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	_, _, srv := newTestServer(cfg)
	defer srv.Close()

	// Admin API rejects missing and wrong credentials.
	resp, err := http.Post(srv.URL+"/api/sync?source=s1", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/sync?source=s1", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/sync?source=s1", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The feed stays token-authorized, not password-authorized.
	resp, err = http.Get(srv.URL + "/feed/good-token.ics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Health probes stay open.
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunsEndpoint(t *testing.T) {
	st, _, srv := newTestServer(nil)
	defer srv.Close()

	st.runs["s1"] = []model.SyncRun{{
		ID:       "r1",
		SourceID: "s1",
		Outcome:  model.OutcomeSuccess,
	}}

	resp, err := http.Get(srv.URL + "/api/runs?source=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []model.SyncRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	require.Equal(t, "r1", runs[0].ID)
}
