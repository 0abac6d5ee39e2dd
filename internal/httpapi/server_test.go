package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/teamscope/workstate/internal/statesync"
	"github.com/teamscope/workstate/internal/workstate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		var err error
		bodyBytes, err = json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func newTestStore(t *testing.T, opts workstate.StoreOptions) *workstate.PersistentStore {
	t.Helper()
	if opts.Backend == nil && opts.StateFile == "" {
		opts.StateFile = filepath.Join(t.TempDir(), "state.json")
	}
	store := workstate.NewPersistentStoreWithOptions(opts)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope
}

func TestServerHealthEndpoint(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload)
	}
}

func TestServerReadReturnsEmptyObjectWhenUninitialized(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/api/data"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "{}" {
		t.Fatalf("expected empty object, got %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
}

func TestServerRoundTripsPostedBytesVerbatim(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	posted := []byte(`{"zeta":"first","users":[],"lastUpdated":1700000000123,"custom":{"nested":true}}`)
	rec := doRawRequest(t, server, http.MethodPost, "/api/data", posted)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var ack struct {
		Success   bool  `json:"success"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode write acknowledgement: %v", err)
	}
	if !ack.Success {
		t.Fatalf("expected success acknowledgement, got %+v", ack)
	}
	if ack.Timestamp != 1700000000123 {
		t.Fatalf("expected the posted stamp preserved, got %d", ack.Timestamp)
	}

	read := doRequest(t, server, request{method: http.MethodGet, path: "/api/data"})
	if read.Code != http.StatusOK {
		t.Fatalf("expected 200 on read, got %d (%s)", read.Code, read.Body.String())
	}
	if !bytes.Equal(read.Body.Bytes(), posted) {
		t.Fatalf("document was rewritten in storage:\nposted %s\ngot    %s", posted, read.Body.Bytes())
	}
}

func TestServerStampsMissingLastUpdated(t *testing.T) {
	now := time.UnixMilli(1700000000456)
	server := NewServerWithConfig(newTestStore(t, workstate.StoreOptions{}), ServerConfig{
		Clock: func() time.Time { return now },
	})

	cases := []struct {
		name string
		body string
	}{
		{"absent", `{"users":[]}`},
		{"zero", `{"users":[],"lastUpdated":0}`},
		{"null", `{"users":[],"lastUpdated":null}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRawRequest(t, server, http.MethodPost, "/api/data", []byte(tc.body))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
			}
			var ack struct {
				Timestamp int64 `json:"timestamp"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
				t.Fatalf("decode write acknowledgement: %v", err)
			}
			if ack.Timestamp != now.UnixMilli() {
				t.Fatalf("expected server stamp %d, got %d", now.UnixMilli(), ack.Timestamp)
			}

			read := doRequest(t, server, request{method: http.MethodGet, path: "/api/data"})
			var stored struct {
				LastUpdated int64 `json:"lastUpdated"`
			}
			if err := json.NewDecoder(read.Body).Decode(&stored); err != nil {
				t.Fatalf("decode stored document: %v", err)
			}
			if stored.LastUpdated != now.UnixMilli() {
				t.Fatalf("expected stamped document, got lastUpdated %d", stored.LastUpdated)
			}
		})
	}
}

func TestServerRejectsInvalidDocuments(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	cases := []struct {
		name string
		body string
	}{
		{"array", `[1,2,3]`},
		{"string", `"document"`},
		{"number", `42`},
		{"null", `null`},
		{"malformed", `{"users":`},
		{"non integer stamp", `{"users":[],"lastUpdated":"yesterday"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRawRequest(t, server, http.MethodPost, "/api/data", []byte(tc.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
			if envelope := decodeError(t, rec); envelope.Code != "invalid_document" {
				t.Fatalf("expected invalid_document, got %+v", envelope)
			}
		})
	}
}

func TestServerEnforcesBodyLimit(t *testing.T) {
	server := NewServerWithConfig(newTestStore(t, workstate.StoreOptions{}), ServerConfig{
		MaxBodyBytes: 64,
	})

	big := fmt.Sprintf(`{"users":[],"pad":%q}`, strings.Repeat("x", 256))
	rec := doRawRequest(t, server, http.MethodPost, "/api/data", []byte(big))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", rec.Code, rec.Body.String())
	}
	envelope := decodeError(t, rec)
	if envelope.Code != "payload_too_large" {
		t.Fatalf("expected payload_too_large, got %+v", envelope)
	}
	if envelope.CorrelationID == "" {
		t.Fatalf("expected correlation id in error envelope, got %+v", envelope)
	}
}

func TestServerMapsStorageCapacityToPayloadTooLarge(t *testing.T) {
	store := newTestStore(t, workstate.StoreOptions{MaxDocumentBytes: 48})
	server := NewServer(store)

	body := fmt.Sprintf(`{"users":[],"pad":%q,"lastUpdated":7}`, strings.Repeat("y", 64))
	rec := doRawRequest(t, server, http.MethodPost, "/api/data", []byte(body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", rec.Code, rec.Body.String())
	}
	if envelope := decodeError(t, rec); envelope.Code != "payload_too_large" {
		t.Fatalf("expected payload_too_large, got %+v", envelope)
	}

	read := doRequest(t, server, request{method: http.MethodGet, path: "/api/data"})
	if got := strings.TrimSpace(read.Body.String()); got != "{}" {
		t.Fatalf("rejected write must not land, got %q", got)
	}
}

func TestServerMapsBackendFailures(t *testing.T) {
	t.Run("read failure", func(t *testing.T) {
		store := workstate.NewPersistentStoreWithOptions(workstate.StoreOptions{
			Backend: &failingBackend{loadErr: errors.New("disk detached")},
		})
		server := NewServer(store)

		for _, path := range []string{"/api/data", "/api/status"} {
			rec := doRequest(t, server, request{method: http.MethodGet, path: path})
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500 for %s, got %d (%s)", path, rec.Code, rec.Body.String())
			}
			if envelope := decodeError(t, rec); envelope.Code != "storage_failure" {
				t.Fatalf("expected storage_failure for %s, got %+v", path, envelope)
			}
		}
	})

	t.Run("write failure", func(t *testing.T) {
		store := workstate.NewPersistentStoreWithOptions(workstate.StoreOptions{
			Backend: &failingBackend{saveErr: errors.New("disk detached")},
		})
		server := NewServer(store)

		rec := doRawRequest(t, server, http.MethodPost, "/api/data", []byte(`{"users":[],"lastUpdated":7}`))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d (%s)", rec.Code, rec.Body.String())
		}
		if envelope := decodeError(t, rec); envelope.Code != "storage_failure" {
			t.Fatalf("expected storage_failure, got %+v", envelope)
		}
	})
}

func TestServerRejectsUnsupportedMethods(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/data"},
		{http.MethodPut, "/api/data"},
		{http.MethodPost, "/api/status"},
		{http.MethodPost, "/api/watch"},
	}
	for _, tc := range cases {
		rec := doRequest(t, server, request{method: tc.method, path: tc.path})
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405 for %s %s, got %d (%s)", tc.method, tc.path, rec.Code, rec.Body.String())
		}
		if envelope := decodeError(t, rec); envelope.Code != "method_not_allowed" {
			t.Fatalf("expected method_not_allowed, got %+v", envelope)
		}
	}
}

func TestServerUnknownRouteReturnsNotFound(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	for _, path := range []string{"/", "/api", "/api/documents"} {
		rec := doRequest(t, server, request{method: http.MethodGet, path: path})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d (%s)", path, rec.Code, rec.Body.String())
		}
		if envelope := decodeError(t, rec); envelope.Code != "not_found" {
			t.Fatalf("expected not_found, got %+v", envelope)
		}
	}
}

func TestServerEchoesOrMintsCorrelationID(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	echoed := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/api/missing",
		headers: map[string]string{"X-Correlation-Id": "corr_42"},
	})
	if got := echoed.Header().Get("X-Correlation-Id"); got != "corr_42" {
		t.Fatalf("expected header echo, got %q", got)
	}
	if envelope := decodeError(t, echoed); envelope.CorrelationID != "corr_42" {
		t.Fatalf("expected envelope echo, got %+v", envelope)
	}

	minted := doRequest(t, server, request{method: http.MethodGet, path: "/api/data"})
	if got := minted.Header().Get("X-Correlation-Id"); !strings.HasPrefix(got, "req_") {
		t.Fatalf("expected generated correlation id, got %q", got)
	}
}

func TestServerRateLimitsByClientAddress(t *testing.T) {
	server := NewServerWithConfig(newTestStore(t, workstate.StoreOptions{}), ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/api/data"})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d (%s)", i+1, rec.Code, rec.Body.String())
		}
	}

	limited := doRequest(t, server, request{method: http.MethodGet, path: "/api/data"})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%s)", limited.Code, limited.Body.String())
	}
	if got := limited.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	if envelope := decodeError(t, limited); envelope.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %+v", envelope)
	}

	health := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", health.Code)
	}
}

func TestServerStatusReportsDocumentState(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))

	type statusPayload struct {
		Document struct {
			Exists      bool  `json:"exists"`
			Bytes       int   `json:"bytes"`
			LastUpdated int64 `json:"lastUpdated"`
		} `json:"document"`
		Watchers      int   `json:"watchers"`
		UptimeSeconds int64 `json:"uptimeSeconds"`
	}

	before := doRequest(t, server, request{method: http.MethodGet, path: "/api/status"})
	if before.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", before.Code, before.Body.String())
	}
	var empty statusPayload
	if err := json.NewDecoder(before.Body).Decode(&empty); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if empty.Document.Exists || empty.Document.Bytes != 0 {
		t.Fatalf("expected no document yet, got %+v", empty.Document)
	}

	posted := []byte(`{"users":[],"lastUpdated":1700000000999}`)
	if rec := doRawRequest(t, server, http.MethodPost, "/api/data", posted); rec.Code != http.StatusOK {
		t.Fatalf("seed write failed: %d (%s)", rec.Code, rec.Body.String())
	}

	after := doRequest(t, server, request{method: http.MethodGet, path: "/api/status"})
	var status statusPayload
	if err := json.NewDecoder(after.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Document.Exists {
		t.Fatalf("expected document present, got %+v", status.Document)
	}
	if status.Document.Bytes != len(posted) {
		t.Fatalf("expected %d bytes, got %d", len(posted), status.Document.Bytes)
	}
	if status.Document.LastUpdated != 1700000000999 {
		t.Fatalf("expected stored stamp, got %d", status.Document.LastUpdated)
	}
	if status.Watchers != 0 {
		t.Fatalf("expected no watch sessions, got %d", status.Watchers)
	}
	if status.UptimeSeconds < 0 {
		t.Fatalf("uptime must not be negative, got %d", status.UptimeSeconds)
	}
}

func waitForWatchers(t *testing.T, baseURL string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/api/status")
		if err == nil {
			var status struct {
				Watchers int `json:"watchers"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&status)
			_ = resp.Body.Close()
			if status.Watchers >= want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watch session never registered")
}

func TestServerWatchPushesRefreshFrames(t *testing.T) {
	server := NewServer(newTestStore(t, workstate.StoreOptions{}))
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/api/watch"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("watch dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	waitForWatchers(t, ts.URL, 1)

	resp, err := http.Post(ts.URL+"/api/data", "application/json", strings.NewReader(`{"users":[],"lastUpdated":42}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on write, got %d", resp.StatusCode)
	}

	var frame struct {
		Type string `json:"type"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read refresh frame: %v", err)
	}
	if frame.Type != "refresh" {
		t.Fatalf("expected refresh frame, got %+v", frame)
	}

	server.BroadcastRefresh()
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read broadcast frame: %v", err)
	}
	if frame.Type != "refresh" {
		t.Fatalf("expected refresh frame, got %+v", frame)
	}
}

func TestRemoteRoundTripThroughSyncClient(t *testing.T) {
	ts := httptest.NewServer(NewServer(newTestStore(t, workstate.StoreOptions{})))
	defer ts.Close()

	client := statesync.NewClient(statesync.ClientOptions{
		BaseURL:    ts.URL,
		HTTPClient: ts.Client(),
	})
	ctx := context.Background()

	remote, err := client.Pull(ctx)
	if err != nil {
		t.Fatalf("pull from fresh service failed: %v", err)
	}
	if remote != nil {
		t.Fatalf("expected no document on fresh service, got %+v", remote)
	}

	doc := workstate.Bootstrap()
	doc.Users = append(doc.Users, workstate.User{ID: "u_rahel", UID: "rahel", FirstName: "Rahel", Role: workstate.RoleMember})
	doc.Theme = workstate.ThemeDark
	doc.LastUpdated = 1700000000321

	ack, err := client.Push(ctx, doc)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if !ack.Accepted || ack.Timestamp != doc.LastUpdated {
		t.Fatalf("unexpected acknowledgement %+v", ack)
	}

	got, err := client.Pull(ctx)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("document changed across the wire:\nsent %+v\ngot  %+v", doc, got)
	}
}

func TestRemoteStampsUnstampedPush(t *testing.T) {
	ts := httptest.NewServer(NewServer(newTestStore(t, workstate.StoreOptions{})))
	defer ts.Close()

	client := statesync.NewClient(statesync.ClientOptions{
		BaseURL:    ts.URL,
		HTTPClient: ts.Client(),
	})
	ctx := context.Background()

	ack, err := client.Push(ctx, workstate.Bootstrap())
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if ack.Timestamp <= 0 {
		t.Fatalf("expected the service to stamp the document, got %d", ack.Timestamp)
	}

	got, err := client.Pull(ctx)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if got == nil || got.LastUpdated != ack.Timestamp {
		t.Fatalf("expected pulled stamp %d, got %+v", ack.Timestamp, got)
	}
}

type failingBackend struct {
	loadErr error
	saveErr error
	data    []byte
}

func (b *failingBackend) Load() ([]byte, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return b.data, nil
}

func (b *failingBackend) Save(data []byte) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	b.data = append([]byte(nil), data...)
	return nil
}

func (b *failingBackend) Clear() error {
	b.data = nil
	return nil
}

func (b *failingBackend) Close() error { return nil }
