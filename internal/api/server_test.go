package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/oc2gw/internal/auth"
	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/events"
	"github.com/mattjoyce/oc2gw/internal/history"
	"github.com/mattjoyce/oc2gw/internal/openc2"
	"github.com/mattjoyce/oc2gw/internal/profile"
	"github.com/mattjoyce/oc2gw/internal/storage"
)

const (
	adminKey    = "admin-key"
	operatorKey = "operator-key"
	viewerKey   = "viewer-key"
)

var errFirewall = errors.New("firewall unreachable")

type fixture struct {
	srv     *Server
	handler http.Handler
	hub     *events.Hub
	log     *history.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := profile.NewBuilder("slpf")
	b.Declare("deny", openc2.Tags("ipv4_net"), nil, func(_ context.Context, target, _ openc2.TypedObject, _ any) (any, error) {
		return map[string]any{"rule_number": 7, "net": target["ipv4_net"]}, nil
	})
	b.Declare("deny", openc2.Tags("file"), nil, func(context.Context, openc2.TypedObject, openc2.TypedObject, any) (any, error) {
		return nil, errFirewall
	})
	p, err := b.Build()
	require.NoError(t, err)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "oc2gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hist := history.NewLog(db)
	hub := events.NewHub(16)
	r, err := dispatch.New([]profile.Profile{p},
		dispatch.WithRecorder(hist),
		dispatch.WithRecorder(dispatch.EventRecorder(hub)),
	)
	require.NoError(t, err)

	srv := New(Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: operatorKey, Scopes: []string{auth.ScopeCommandRW}},
			{Token: viewerKey, Scopes: []string{auth.ScopeHistoryRO, auth.ScopeProfilesRO, auth.ScopeEventsRO}},
		},
		MaxBodyBytes: 4096,
		KeepAlive:    50 * time.Millisecond,
	}, r, hist, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &fixture{srv: srv, handler: srv.Handler(), hub: hub, log: hist}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ProfilesLoaded)
	assert.Equal(t, []string{"slpf"}, resp.Profiles)
}

func TestAuthAndScopes(t *testing.T) {
	f := newFixture(t)
	cmd := `{"action":"deny","target":{"type":"ipv4_net","ipv4_net":"10.0.0.0/8"}}`

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"no token", http.MethodPost, "/command", "", cmd, http.StatusUnauthorized},
		{"bad token", http.MethodPost, "/command", "nope", cmd, http.StatusUnauthorized},
		{"viewer cannot command", http.MethodPost, "/command", viewerKey, cmd, http.StatusForbidden},
		{"operator commands", http.MethodPost, "/command", operatorKey, cmd, http.StatusOK},
		{"operator cannot read history", http.MethodGet, "/history", operatorKey, "", http.StatusForbidden},
		{"viewer reads history", http.MethodGet, "/history", viewerKey, "", http.StatusOK},
		{"admin reads profiles", http.MethodGet, "/profiles", adminKey, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCommandStatusCodes(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantStatus dispatch.Status
		wantErr    string
	}{
		{"invalid json", `{"action":`, http.StatusBadRequest, dispatch.StatusMalformed, "malformed"},
		{"unknown field", `{"action":"deny","target":{"type":"file"},"args":{}}`, http.StatusBadRequest, dispatch.StatusMalformed, "malformed"},
		{"missing target", `{"action":"deny"}`, http.StatusBadRequest, dispatch.StatusMalformed, "target"},
		{"unknown action", `{"action":"allow","target":{"type":"ipv4_net"}}`, http.StatusNotFound, dispatch.StatusUnknownAction, `"allow"`},
		{"no signature", `{"action":"deny","target":{"type":"device"}}`, http.StatusUnprocessableEntity, dispatch.StatusNoSignature, "device"},
		{"handler failure", `{"action":"deny","target":{"type":"file"}}`, http.StatusInternalServerError, dispatch.StatusFailed, "firewall unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/command", adminKey, tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Contains(t, resp.Error, tt.wantErr)
		})
	}
}

func TestCommandSuccessReturnsResult(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/command", adminKey, `{"action":"deny","target":{"type":"ipv4_net","ipv4_net":"10.0.0.0/8"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":{"rule_number":7,"net":"10.0.0.0/8"}}`, rec.Body.String())
}

func TestCommandBodyTooLarge(t *testing.T) {
	f := newFixture(t)
	body := `{"action":"deny","target":{"type":"ipv4_net","pad":"` + strings.Repeat("x", 5000) + `"}}`
	rec := f.do(t, http.MethodPost, "/command", adminKey, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/command", adminKey, `{"action":"deny","target":{"type":"ipv4_net","ipv4_net":"10.0.0.1"}}`)
	f.do(t, http.MethodPost, "/command", adminKey, `{"action":"allow","target":{"type":"ipv4_net"}}`)

	rec := f.do(t, http.MethodGet, "/history?limit=1", viewerKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[HistoryListResponse](t, rec)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "allow", list.Entries[0].Action)
	assert.Equal(t, dispatch.StatusUnknownAction, list.Entries[0].Status)

	rec = f.do(t, http.MethodGet, "/history/"+list.Entries[0].ID, viewerKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[history.Entry](t, rec)
	assert.Equal(t, list.Entries[0].ID, entry.ID)

	rec = f.do(t, http.MethodGet, "/history/missing", viewerKey, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/history?limit=abc", viewerKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEmptyIsArray(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/history", viewerKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestProfilesEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/profiles", viewerKey, "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ProfilesResponse](t, rec)
	require.Len(t, resp.Profiles, 1)
	assert.Equal(t, "slpf", resp.Profiles[0].Profile)
	require.Len(t, resp.Profiles[0].Actions, 1)
	assert.Equal(t, "deny", resp.Profiles[0].Actions[0].Name)
	assert.Len(t, resp.Profiles[0].Actions[0].Signatures, 2)
}

func TestOptionalServicesAnswer404(t *testing.T) {
	r, err := dispatch.New(nil)
	require.NoError(t, err)
	h := New(Config{APIKey: adminKey}, r, nil, nil, nil).Handler()

	for _, path := range []string{"/history", "/history/x", "/events"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+adminKey)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	// One event buffered before the client connects.
	f.hub.Publish("dispatch.completed", map[string]string{"action": "early"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+viewerKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readData := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}

	assert.JSONEq(t, `{"action":"early"}`, readData())

	f.do(t, http.MethodPost, "/command", adminKey, `{"action":"deny","target":{"type":"ipv4_net","ipv4_net":"10.0.0.1"}}`)

	var rec dispatch.Record
	require.NoError(t, json.Unmarshal([]byte(readData()), &rec))
	assert.Equal(t, "deny", rec.Action)
	assert.Equal(t, dispatch.StatusOK, rec.Status)
	assert.Equal(t, "slpf", rec.Profile)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}
