package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/maynero/youtube-to-m3u/internal/relay"
)

// handleStream attaches the caller to the relay process for the requested
// stream URL and copies MPEG-TS chunks until the client disconnects or the
// process ends. Disconnecting never stops the process; other clients may
// still be watching.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "url parameter is required", http.StatusBadRequest)
		return
	}
	streamURL, err := url.QueryUnescape(rawURL)
	if err != nil {
		streamURL = rawURL
	}
	streamURL = strings.TrimSpace(streamURL)
	if !strings.HasPrefix(streamURL, "http://") && !strings.HasPrefix(streamURL, "https://") {
		http.Error(w, "url must be absolute", http.StatusBadRequest)
		return
	}

	quality := r.URL.Query().Get("quality")
	if quality == "" {
		quality = s.cfg.StreamQuality
	}

	client := relay.ClientInfo{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	sub, err := s.relay.Attach(streamURL, quality, client)
	if err != nil {
		s.logger.Error("relay attach failed", "url", streamURL, "err", err)
		http.Error(w, "failed to start stream", http.StatusBadGateway)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, open := <-sub.C:
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
