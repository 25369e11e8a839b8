package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultAPIBaseURL = "https://www.googleapis.com/youtube/v3"

// APIProber detects live status through the YouTube Data API v3. It costs
// quota per call but is immune to page-layout changes. Handles (@name) are
// resolved to channel ids once and cached for the process lifetime.
type APIProber struct {
	client  *http.Client
	baseURL string
	key     string
	logger  *slog.Logger

	mu       sync.Mutex
	resolved map[string]string
}

func NewAPIProber(key string, timeout time.Duration, logger *slog.Logger) *APIProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIProber{
		client:   &http.Client{Timeout: timeout},
		baseURL:  defaultAPIBaseURL,
		key:      key,
		logger:   logger,
		resolved: make(map[string]string),
	}
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
	} `json:"items"`
}

type channelsResponse struct {
	Items []struct {
		ID string `json:"id"`
	} `json:"items"`
}

func (p *APIProber) Probe(ctx context.Context, channel string) (Result, error) {
	ctx, span := tracer.Start(ctx, "youtube.probe_api",
		trace.WithAttributes(attribute.String("youtube.channel", channel)))
	defer span.End()

	channelID, err := p.channelID(ctx, channel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	query := url.Values{}
	query.Set("part", "snippet")
	query.Set("channelId", channelID)
	query.Set("eventType", "live")
	query.Set("type", "video")
	query.Set("maxResults", "1")
	query.Set("key", p.key)

	var parsed searchResponse
	if err := p.get(ctx, "/search", query, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if len(parsed.Items) == 0 || parsed.Items[0].ID.VideoID == "" {
		return Result{Live: false}, nil
	}

	videoID := parsed.Items[0].ID.VideoID
	span.SetAttributes(attribute.String("youtube.video_id", videoID))
	return Result{Live: true, VideoID: videoID}, nil
}

// channelID resolves an @handle to its UC... id, or validates a raw id.
func (p *APIProber) channelID(ctx context.Context, channel string) (string, error) {
	channel = strings.TrimSpace(channel)
	if strings.HasPrefix(channel, "UC") {
		return channel, nil
	}
	if !strings.HasPrefix(channel, "@") {
		return "", fatalErr("resolve channel", fmt.Errorf("expected @handle or UC id, got %q", channel))
	}

	p.mu.Lock()
	if id, ok := p.resolved[channel]; ok {
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	query := url.Values{}
	query.Set("part", "id")
	query.Set("forHandle", channel)
	query.Set("key", p.key)

	var parsed channelsResponse
	if err := p.get(ctx, "/channels", query, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Items) == 0 {
		return "", fatalErr("resolve channel", fmt.Errorf("no channel found for handle %s", channel))
	}

	id := parsed.Items[0].ID
	p.mu.Lock()
	p.resolved[channel] = id
	p.mu.Unlock()
	p.logger.Debug("resolved channel handle", "handle", channel, "channelId", id)
	return id, nil
}

func (p *APIProber) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fatalErr("probe api", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return classifyRequestErr("probe api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus("probe api", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transientErr("probe api", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
