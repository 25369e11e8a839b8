package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/maynero/youtube-to-m3u/internal/channels"
	"github.com/maynero/youtube-to-m3u/internal/config"
	"github.com/maynero/youtube-to-m3u/internal/relay"
	"github.com/maynero/youtube-to-m3u/internal/status"
	"github.com/maynero/youtube-to-m3u/internal/store"
)

type fakePoller struct {
	busy  bool
	calls int
}

func (f *fakePoller) TryPoll(ctx context.Context) bool {
	f.calls++
	return !f.busy
}

type fakeResolver struct {
	manifest string
	err      error
	videoIDs []string
}

func (f *fakeResolver) ResolveHLS(ctx context.Context, videoID string) (string, error) {
	f.videoIDs = append(f.videoIDs, videoID)
	return f.manifest, f.err
}

func testServer(t *testing.T, mutate func(*Server)) *Server {
	t.Helper()

	cfg := config.Config{
		HTTPAddr:      ":0",
		Channel:       "@somechannel",
		StreamQuality: "best",
	}
	holder := status.NewHolder("@somechannel")
	logg := slog.Default()
	hub := NewHub(holder, logg)
	mgr := relay.NewManager(func(url, quality string) *exec.Cmd {
		return exec.Command("sleep", "60")
	}, logg)
	t.Cleanup(mgr.KillAll)

	chans := []channels.Channel{
		{
			Name:       "News 24",
			TvgID:      "news24.example",
			TvgName:    "News 24",
			GroupTitle: "News",
			YouTubeURL: "https://www.youtube.com/@news24/live",
		},
	}

	srv := NewServer(cfg, holder, hub, mgr, nil, &fakePoller{}, &fakeResolver{manifest: "https://manifest.example/index.m3u8"}, chans, logg)
	if mutate != nil {
		mutate(srv)
	}
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthAlwaysOK(t *testing.T) {
	srv := testServer(t, nil)

	for _, path := range []string{"/", "/healthz"} {
		rec := doRequest(t, srv, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, rec.Code)
		}
		if body := rec.Body.String(); body != "OK" {
			t.Fatalf("GET %s body = %q, want OK", path, body)
		}
	}
}

func TestHealthOKWhileDegraded(t *testing.T) {
	srv := testServer(t, func(s *Server) {
		s.holder.Store(&status.Snapshot{
			ChannelID: "@somechannel",
			State:     status.StateDegraded,
			LastError: "connection refused",
		})
	})

	rec := doRequest(t, srv, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d while degraded, want 200", rec.Code)
	}
}

func TestStatusUnknownBeforeFirstPoll(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"state":"unknown"`) {
		t.Fatalf("GET /status body = %s, want unknown state", body)
	}
}

func TestStatusReflectsSnapshot(t *testing.T) {
	srv := testServer(t, func(s *Server) {
		s.holder.Store(&status.Snapshot{
			ChannelID:  "@somechannel",
			State:      status.StateLive,
			IsLive:     true,
			VideoID:    "abc123def45",
			ObservedAt: time.Now().UTC(),
			CheckedAt:  time.Now().UTC(),
		})
	})

	rec := doRequest(t, srv, http.MethodGet, "/status", nil)
	body := rec.Body.String()
	for _, want := range []string{`"state":"live"`, `"isLive":true`, `"videoId":"abc123def45"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("GET /status body = %s, want %s", body, want)
		}
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/history", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /history = %d with history disabled, want 404", rec.Code)
	}
}

func TestHistoryEnabled(t *testing.T) {
	db, err := sqlx.Open("sqlite", "file:api_history_test?mode=memory&cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db, slog.Default())
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := st.RecordTransition(context.Background(), "@somechannel", status.StateLive, "abc123def45", ""); err != nil {
		t.Fatalf("RecordTransition() error = %v", err)
	}

	srv := testServer(t, func(s *Server) { s.store = st })

	rec := doRequest(t, srv, http.MethodGet, "/history?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /history = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"videoId":"abc123def45"`) {
		t.Fatalf("GET /history body = %s", body)
	}
}

func TestPlaylist(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/playlist.m3u", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /playlist.m3u = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/x-mpegurl" {
		t.Fatalf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U\n") {
		t.Fatalf("playlist body = %s", body)
	}
	if !strings.Contains(body, "http://example.com/stream?") {
		t.Fatalf("playlist entries should dial back through this host:\n%s", body)
	}
}

func TestHLSRedirectsToManifest(t *testing.T) {
	resolver := &fakeResolver{manifest: "https://manifest.example/index.m3u8"}
	srv := testServer(t, func(s *Server) {
		s.hls = resolver
		s.holder.Store(&status.Snapshot{
			ChannelID: "@somechannel",
			State:     status.StateLive,
			IsLive:    true,
			VideoID:   "abc123def45",
		})
	})

	rec := doRequest(t, srv, http.MethodGet, "/hls", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("GET /hls = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://manifest.example/index.m3u8" {
		t.Fatalf("Location = %q", loc)
	}
	if len(resolver.videoIDs) != 1 || resolver.videoIDs[0] != "abc123def45" {
		t.Fatalf("resolved video ids = %v, want the live video", resolver.videoIDs)
	}

	// An explicit video id wins over the snapshot.
	rec = doRequest(t, srv, http.MethodGet, "/hls?video=zzz999zzz99", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("GET /hls?video= = %d, want 302", rec.Code)
	}
	if got := resolver.videoIDs[len(resolver.videoIDs)-1]; got != "zzz999zzz99" {
		t.Fatalf("resolved video id = %q, want the requested one", got)
	}
}

func TestHLSNotLive(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/hls", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /hls while not live = %d, want 404", rec.Code)
	}
}

func TestHLSResolutionFailure(t *testing.T) {
	srv := testServer(t, func(s *Server) {
		s.hls = &fakeResolver{err: errors.New("no HLS stream")}
	})

	rec := doRequest(t, srv, http.MethodGet, "/hls?video=abc123def45", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("GET /hls = %d on resolver failure, want 502", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /version = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"goVersion"`) {
		t.Fatalf("GET /version body = %s", body)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	srv := testServer(t, func(s *Server) { s.cfg.AdminKey = "secret" })

	rec := doRequest(t, srv, http.MethodGet, "/processes", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /processes without key = %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/processes", map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /processes with wrong key = %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/processes", map[string]string{"X-API-Key": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /processes with key = %d, want 200", rec.Code)
	}
}

func TestForcePoll(t *testing.T) {
	fp := &fakePoller{}
	srv := testServer(t, func(s *Server) { s.poller = fp })

	rec := doRequest(t, srv, http.MethodPost, "/poll", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /poll = %d, want 200", rec.Code)
	}
	if fp.calls != 1 {
		t.Fatalf("TryPoll called %d times, want 1", fp.calls)
	}

	fp.busy = true
	rec = doRequest(t, srv, http.MethodPost, "/poll", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("POST /poll while busy = %d, want 409", rec.Code)
	}
}

func TestKillUnknownProcess(t *testing.T) {
	srv := testServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/processes/kill", strings.NewReader(`{"url":"https://example.invalid/none"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("POST /processes/kill = %d, want 404", rec.Code)
	}
}

func TestStreamRequiresURL(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/stream", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("GET /stream without url = %d, want 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/stream?url=notaurl", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("GET /stream with relative url = %d, want 400", rec.Code)
	}
}
