package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/swarmmail/internal/auth"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/hive"
	"github.com/mistakeknot/swarmmail/internal/storage/sqlite"
	"github.com/mistakeknot/swarmmail/internal/swarmmail"
)

// testEnv serves the full router over httptest. Requests come from
// loopback, so the localhost bypass applies.
type testEnv struct {
	srv     *httptest.Server
	handler http.Handler
	mail    *swarmmail.Store
	hive    *hive.Store
}

func newTestEnv(t *testing.T, ring *auth.Keyring) *testEnv {
	t.Helper()
	db, err := sqlite.OpenInMemory(context.Background(), sqlite.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	es, err := eventstore.New(db)
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	mail := swarmmail.New(es)
	hv := hive.New(es)
	if ring == nil {
		ring = auth.NewKeyring(true, nil)
	}
	svc := NewService(mail, hv).WithHealth(es.BreakerState)
	h := NewRouter(svc, nil, auth.Middleware(ring))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, handler: h, mail: mail, hive: hv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, path, nil)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d (%s)", want, resp.StatusCode, e.Error)
	}
}
