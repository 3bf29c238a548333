package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tutorloop/sync-server/internal/adapter/auth"
	"github.com/tutorloop/sync-server/internal/bus"
	"github.com/tutorloop/sync-server/internal/gateway"
	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/merge"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/orchestrator"
	"github.com/tutorloop/sync-server/internal/queue"
	"github.com/tutorloop/sync-server/internal/schema"
	"github.com/tutorloop/sync-server/internal/session"
	"github.com/tutorloop/sync-server/internal/store"
)

const testSecret = "httpapi-test-secret"

type apiFixture struct {
	t      *testing.T
	hub    *orchestrator.Hub
	reg    *session.Registry
	jwt    *auth.JWT
	router http.Handler
}

func noteSchemas(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	if err := r.Register(schema.RecordType{
		Name: "study_note",
		Fields: []schema.Field{
			{Name: "title", Type: schema.Scalar},
			{Name: "summary", Type: schema.Opaque},
		},
		Resolve: schema.Manual,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func newTestServer(t *testing.T) *apiFixture {
	t.Helper()
	b := bus.NewMemory(0)
	hub := orchestrator.New(store.NewMemory(noteSchemas(t)), queue.NewMemory(), b, merge.New(noteSchemas(t)), hlc.NewClock(), orchestrator.Config{})
	reg := session.NewRegistry(session.Config{})
	jwt := auth.NewJWT(testSecret, false)
	srv := &Server{
		Hub:      hub,
		Sessions: reg,
		Auth:     jwt,
		Socket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Test-Socket", "hit")
			w.WriteHeader(http.StatusSwitchingProtocols)
		}),
		Limits: Limits{MaxBatchOps: 10, MaxPullLimit: 3},
	}
	t.Cleanup(hub.Shutdown)
	return &apiFixture{t: t, hub: hub, reg: reg, jwt: jwt, router: srv.Routes()}
}

func (f *apiFixture) token(owner, device string, roles ...string) string {
	f.t.Helper()
	tok, err := f.jwt.Mint(owner, device, roles, time.Now().Add(time.Hour).Unix())
	if err != nil {
		f.t.Fatalf("Mint: %v", err)
	}
	return tok
}

func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) seed(owner string, ops ...op.Op) {
	f.t.Helper()
	acks, err := f.hub.Push(context.Background(), owner, ops)
	if err != nil {
		f.t.Fatalf("Push: %v", err)
	}
	for id, ack := range acks {
		if ack.Error != nil {
			f.t.Fatalf("seed op %s rejected: %s", id, ack.Error.Code)
		}
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func mkCreate(owner, device string, seq uint64, record string) op.Op {
	return op.Op{
		ID:     op.ID{Device: device, Seq: seq},
		Owner:  owner,
		Record: record,
		Kind:   op.KindCreate,
		Type:   "study_note",
		Patch:  map[string]any{"title": fmt.Sprintf("note %d", seq)},
		HLC:    hlc.New(1700000200000+int64(seq), 0),
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: got %d %q", w.Code, w.Body.String())
	}

	w = f.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sync_sessions_live") {
		t.Fatal("metrics output missing sync gauges")
	}
}

func TestInfoAdvertisesLimits(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodGet, "/v1/sync/info", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("info: got %d body %s", w.Code, w.Body.String())
	}

	info := decodeBody[serverInfo](t, w)
	if info.ProtocolVersion != gateway.ProtocolVersion {
		t.Fatalf("protocolVersion = %d, want %d", info.ProtocolVersion, gateway.ProtocolVersion)
	}
	if info.MaxBatchOps != 10 || info.MaxPullLimit != 3 {
		t.Fatalf("limits = %d/%d, want 10/3", info.MaxBatchOps, info.MaxPullLimit)
	}
	if info.RateLimit.WindowSeconds != 60 || info.RateLimit.MaxRequests != 600 || info.RateLimit.Burst != 120 {
		t.Fatalf("rateLimit = %+v, want defaults", info.RateLimit)
	}
	if info.ServerTime == "" || info.Hints.BackoffMs == 0 {
		t.Fatalf("incomplete info: %+v", info)
	}
}

func TestAuthRejections(t *testing.T) {
	f := newTestServer(t)
	expired, err := f.jwt.Mint("fam-1", "d1", nil, time.Now().Add(-time.Hour).Unix())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sync/state", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("got %d, want 401", w.Code)
			}
			body := decodeBody[map[string]any](t, w)
			if msg, _ := body["error"].(string); msg == "" {
				t.Fatal("401 body carries no error message")
			}
			if w.Header().Get("X-Correlation-ID") == "" {
				t.Fatal("401 response missing correlation header")
			}
		})
	}
}

func TestPullPagesThroughLog(t *testing.T) {
	f := newTestServer(t)
	for i := 1; i <= 5; i++ {
		f.seed("fam-1", mkCreate("fam-1", "d1", uint64(i), fmt.Sprintf("rec-%d", i)))
	}
	tok := f.token("fam-1", "d2")

	w := f.do(http.MethodGet, "/v1/sync/pull?since=0&limit=2", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pull: got %d body %s", w.Code, w.Body.String())
	}
	page := decodeBody[pullResponse](t, w)
	if len(page.Entries) != 2 || page.Entries[0].Seq != 1 || page.Entries[1].Seq != 2 {
		t.Fatalf("first page = %+v", page.Entries)
	}
	if !page.HasMore || page.NextSince != 2 {
		t.Fatalf("first page cursor: hasMore=%v nextSince=%d", page.HasMore, page.NextSince)
	}
	if page.Entries[0].Op.Record != "rec-1" || page.Entries[0].Digest == "" {
		t.Fatalf("entry payload incomplete: %+v", page.Entries[0])
	}

	w = f.do(http.MethodGet, "/v1/sync/pull?since=2&limit=2", tok, nil)
	page = decodeBody[pullResponse](t, w)
	if len(page.Entries) != 2 || page.Entries[0].Seq != 3 || !page.HasMore {
		t.Fatalf("second page = %+v hasMore=%v", page.Entries, page.HasMore)
	}

	// No limit param falls back to the server cap (3 here).
	w = f.do(http.MethodGet, "/v1/sync/pull?since=0&limit=999", tok, nil)
	page = decodeBody[pullResponse](t, w)
	if len(page.Entries) != 3 {
		t.Fatalf("oversized limit not capped: got %d entries", len(page.Entries))
	}

	// Caught up: empty array, not null, and the cursor holds still.
	w = f.do(http.MethodGet, "/v1/sync/pull?since=5", tok, nil)
	if !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Fatalf("caught-up pull should return an empty array: %s", w.Body.String())
	}
	page = decodeBody[pullResponse](t, w)
	if page.HasMore || page.NextSince != 5 {
		t.Fatalf("caught-up cursor: hasMore=%v nextSince=%d", page.HasMore, page.NextSince)
	}
}

func TestPullRejectsMalformedSince(t *testing.T) {
	f := newTestServer(t)
	w := f.do(http.MethodGet, "/v1/sync/pull?since=banana", f.token("fam-1", "d1"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
}

func TestEnqueueDrainsOnNextConnect(t *testing.T) {
	f := newTestServer(t)
	tok := f.token("fam-1", "d9")

	w := f.do(http.MethodPost, "/v1/sync/queue", tok, enqueueRequest{
		Ops: []op.Op{mkCreate("fam-1", "d9", 1, "rec-q")},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue: got %d body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[map[string]int](t, w)
	if resp["queued"] != 1 {
		t.Fatalf("queued = %d, want 1", resp["queued"])
	}

	n, err := f.hub.DrainDevice(context.Background(), "fam-1", "d9")
	if err != nil || n != 1 {
		t.Fatalf("DrainDevice = %d, %v", n, err)
	}
	head, err := f.hub.HeadSeq(context.Background(), "fam-1")
	if err != nil || head != 1 {
		t.Fatalf("HeadSeq = %d, %v", head, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newTestServer(t)
	tok := f.token("fam-1", "d1")

	tooMany := make([]op.Op, 11)
	for i := range tooMany {
		tooMany[i] = mkCreate("fam-1", "d1", uint64(i+1), fmt.Sprintf("rec-%d", i+1))
	}
	invalid := mkCreate("fam-1", "d1", 1, "rec-x")
	invalid.Record = ""

	cases := []struct {
		name string
		ops  []op.Op
		want int
	}{
		{"empty batch", nil, http.StatusBadRequest},
		{"oversized batch", tooMany, http.StatusBadRequest},
		{"invalid op", []op.Op{invalid}, http.StatusBadRequest},
		{"foreign owner", []op.Op{mkCreate("fam-2", "d1", 1, "rec-x")}, http.StatusForbidden},
		{"foreign device", []op.Op{mkCreate("fam-1", "d7", 1, "rec-x")}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/v1/sync/queue", tok, enqueueRequest{Ops: tc.ops})
			if w.Code != tc.want {
				t.Fatalf("got %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestStateTracksWipe(t *testing.T) {
	f := newTestServer(t)
	f.seed("fam-1",
		mkCreate("fam-1", "d1", 1, "rec-1"),
		mkCreate("fam-1", "d1", 2, "rec-2"),
	)
	tok := f.token("fam-1", "d1")

	st := decodeBody[stateResponse](t, f.do(http.MethodGet, "/v1/sync/state", tok, nil))
	if st.Epoch != 1 || st.HeadSeq != 2 {
		t.Fatalf("state = %+v, want epoch 1 head 2", st)
	}

	w := f.do(http.MethodPost, "/v1/sync/wipe", tok, wipeRequest{Confirm: "WIPE"})
	if w.Code != http.StatusOK {
		t.Fatalf("wipe: got %d body %s", w.Code, w.Body.String())
	}
	if resp := decodeBody[wipeResponse](t, w); resp.Epoch != 2 {
		t.Fatalf("wipe epoch = %d, want 2", resp.Epoch)
	}

	st = decodeBody[stateResponse](t, f.do(http.MethodGet, "/v1/sync/state", tok, nil))
	if st.Epoch != 2 || st.HeadSeq != 0 {
		t.Fatalf("post-wipe state = %+v, want epoch 2 head 0", st)
	}
}

func TestWipeDemandsConfirmation(t *testing.T) {
	f := newTestServer(t)
	tok := f.token("fam-1", "d1")

	for name, body := range map[string]any{
		"empty body":        map[string]string{},
		"wrong confirm":     wipeRequest{Confirm: "wipe"},
		"confirm elsewhere": map[string]string{"Confirm": "YES"},
	} {
		w := f.do(http.MethodPost, "/v1/sync/wipe", tok, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d, want 400", name, w.Code)
		}
	}

	if epoch, err := f.hub.Epoch(context.Background(), "fam-1"); err != nil || epoch != 1 {
		t.Fatalf("refused wipes must not bump the epoch: %d, %v", epoch, err)
	}
}

func TestWipeAcrossOwnersNeedsAdmin(t *testing.T) {
	f := newTestServer(t)
	f.seed("fam-2", mkCreate("fam-2", "d1", 1, "rec-1"))

	w := f.do(http.MethodPost, "/v1/sync/wipe", f.token("fam-1", "d1"), wipeRequest{
		Confirm: "WIPE",
		OwnerID: "fam-2",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("cross-owner wipe without admin: got %d, want 403", w.Code)
	}

	w = f.do(http.MethodPost, "/v1/sync/wipe", f.token("ops-1", "tool", "admin"), wipeRequest{
		Confirm: "WIPE",
		OwnerID: "fam-2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin wipe: got %d body %s", w.Code, w.Body.String())
	}
	if epoch, _ := f.hub.Epoch(context.Background(), "fam-2"); epoch != 2 {
		t.Fatalf("fam-2 epoch = %d, want 2", epoch)
	}
}

func TestListSessionsScopedToOwner(t *testing.T) {
	f := newTestServer(t)
	f.reg.Open("fam-1", "d1", 0)
	f.reg.Open("fam-1", "d2", 0)
	f.reg.Open("fam-2", "d1", 0)

	type listResp struct {
		Sessions []session.Info `json:"sessions"`
		Count    int            `json:"count"`
	}

	got := decodeBody[listResp](t, f.do(http.MethodGet, "/v1/sync/sessions", f.token("fam-1", "d1"), nil))
	if got.Count != 2 {
		t.Fatalf("owner view count = %d, want 2", got.Count)
	}
	for _, in := range got.Sessions {
		if in.OwnerID != "fam-1" {
			t.Fatalf("owner view leaked session of %s", in.OwnerID)
		}
	}

	got = decodeBody[listResp](t, f.do(http.MethodGet, "/v1/sync/sessions", f.token("ops-1", "tool", "admin"), nil))
	if got.Count != 3 {
		t.Fatalf("admin view count = %d, want 3", got.Count)
	}

	got = decodeBody[listResp](t, f.do(http.MethodGet, "/v1/sync/sessions?owner=fam-2", f.token("ops-1", "tool", "admin"), nil))
	if got.Count != 1 || got.Sessions[0].OwnerID != "fam-2" {
		t.Fatalf("admin filter = %+v", got)
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	f := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/sync/info", nil)
	req.Header.Set("X-Correlation-ID", "trace-123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-ID"); got != "trace-123" {
		t.Fatalf("correlation echo = %q, want trace-123", got)
	}

	w = f.do(http.MethodGet, "/v1/sync/info", "", nil)
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("server should generate a correlation ID when the client sends none")
	}
}

func TestSocketRouteMounted(t *testing.T) {
	f := newTestServer(t)
	w := f.do(http.MethodGet, "/v1/sync/ws", "", nil)
	if w.Header().Get("X-Test-Socket") != "hit" {
		t.Fatalf("socket route not wired: %d %s", w.Code, w.Body.String())
	}
}
