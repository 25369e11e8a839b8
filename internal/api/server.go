package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maynero/youtube-to-m3u/internal/channels"
	"github.com/maynero/youtube-to-m3u/internal/config"
	"github.com/maynero/youtube-to-m3u/internal/relay"
	"github.com/maynero/youtube-to-m3u/internal/status"
	"github.com/maynero/youtube-to-m3u/internal/store"
	"github.com/maynero/youtube-to-m3u/internal/version"
)

// ForcePoller triggers an immediate poll; false means one was already in
// flight. Satisfied by *poller.Poller.
type ForcePoller interface {
	TryPoll(ctx context.Context) bool
}

// HLSResolver turns a live video id into its HLS manifest URL. Satisfied by
// *youtube.PageProber.
type HLSResolver interface {
	ResolveHLS(ctx context.Context, videoID string) (string, error)
}

// Server is the status and relay HTTP surface. The health route reflects
// process liveness only; nothing here waits on YouTube at request time.
type Server struct {
	cfg      config.Config
	holder   *status.Holder
	hub      *Hub
	relay    *relay.Manager
	store    *store.Store // nil when history is disabled
	poller   ForcePoller
	hls      HLSResolver
	channels []channels.Channel
	logger   *slog.Logger
	server   *http.Server
}

func NewServer(cfg config.Config, holder *status.Holder, hub *Hub, mgr *relay.Manager, st *store.Store, fp ForcePoller, hls HLSResolver, chans []channels.Channel, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		holder:   holder,
		hub:      hub,
		relay:    mgr,
		store:    st,
		poller:   fp,
		hls:      hls,
		channels: chans,
		logger:   logger,
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", s.cfg.HTTPAddr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.relay.KillAll()
		return nil
	case err := <-errCh:
		return err
	}
}

// Router builds the chi router. Split out of Run for tests.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(otelhttp.NewMiddleware("youtube-live"))
	router.Use(corsMiddleware)

	// Long-lived connections; must stay outside the timeout middleware.
	router.Get("/stream", s.handleStream)
	router.Get("/ws", s.hub.ServeWS)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/", s.handleHealth)
		r.Get("/healthz", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/playlist.m3u", s.handlePlaylist)
		r.Get("/hls", s.handleHLS)
		r.Get("/channels", s.handleChannels)
		r.Get("/version", version.HandleVersion)
		r.Handle("/metrics", promhttp.Handler())

		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)

			r.Post("/poll", s.handleForcePoll)
			r.Get("/processes", s.handleProcesses)
			r.Post("/processes/kill", s.handleKillProcess)
			r.Post("/processes/killall", s.handleKillAll)
		})
	})

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth answers the container healthcheck. It reports process
// liveness only; an upstream outage must not get the container restarted.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.holder.Load(), http.StatusOK)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snapshot := s.holder.Load()
	transitions, err := s.store.RecentTransitions(ctx, snapshot.ChannelID, limit)
	if err != nil {
		s.logger.Error("list transitions failed", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, transitions, http.StatusOK)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	baseURL := externalBaseURL(r)
	playlist := channels.Playlist(s.channels, baseURL, s.cfg.StreamQuality)

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u"`)
	_, _ = w.Write([]byte(playlist))
}

// handleHLS redirects the player to the HLS manifest of a live video,
// bypassing the relay. Defaults to the watched channel's current video.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	if s.hls == nil {
		http.Error(w, "hls resolution disabled", http.StatusNotFound)
		return
	}

	videoID := r.URL.Query().Get("video")
	if videoID == "" {
		snapshot := s.holder.Load()
		if !snapshot.IsLive || snapshot.VideoID == "" {
			http.Error(w, "channel is not live", http.StatusNotFound)
			return
		}
		videoID = snapshot.VideoID
	}

	manifest, err := s.hls.ResolveHLS(r.Context(), videoID)
	if err != nil {
		s.logger.Error("hls resolution failed", "videoId", videoID, "err", err)
		http.Error(w, "hls resolution failed", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, manifest, http.StatusFound)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.channels, http.StatusOK)
}

// externalBaseURL reconstructs the address players should dial back to,
// honoring reverse-proxy headers.
func externalBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}

	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host
}

func writeJSON(w http.ResponseWriter, payload any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
