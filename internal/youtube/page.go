package youtube

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("youtube-to-m3u/youtube")

const (
	defaultBaseURL = "https://www.youtube.com"

	// YouTube serves a stripped page to unknown agents; a desktop UA keeps
	// the embedded player JSON intact.
	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	maxPageBytes = 4 << 20
)

var (
	watchURLRe        = regexp.MustCompile(`https://www\.youtube\.com/watch\?v=[a-zA-Z0-9_-]{11}`)
	escapedWatchURLRe = regexp.MustCompile(`"url"\s*:\s*"(https:\\/\\/www\.youtube\.com\\/watch\?v=[^"]+)"`)
	videoIDRe         = regexp.MustCompile(`"videoId"\s*:\s*"([a-zA-Z0-9_-]{11})"`)
	isLiveRe          = regexp.MustCompile(`"isLive"\s*:\s*true`)
)

// PageProber detects live status by fetching the channel's /live page and
// looking for the canonical watch URL plus the isLive marker. It needs no
// API credentials.
type PageProber struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

func NewPageProber(timeout time.Duration, logger *slog.Logger) *PageProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageProber{
		client:  &http.Client{Timeout: timeout},
		baseURL: defaultBaseURL,
		logger:  logger,
	}
}

func (p *PageProber) Probe(ctx context.Context, channel string) (Result, error) {
	ctx, span := tracer.Start(ctx, "youtube.probe_page",
		trace.WithAttributes(attribute.String("youtube.channel", channel)))
	defer span.End()

	liveURL, err := LiveURL(p.baseURL, channel)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fatalErr("probe page", err)
	}

	html, err := p.fetch(ctx, liveURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	watchURL := extractWatchURL(html)
	if watchURL == "" || !isLiveRe.MatchString(html) {
		return Result{Live: false}, nil
	}

	videoID := extractVideoID(html, watchURL)
	if videoID == "" {
		err := transientErr("probe page", fmt.Errorf("live page for %s carries no video id", channel))
		span.RecordError(err)
		return Result{}, err
	}

	span.SetAttributes(attribute.String("youtube.video_id", videoID))
	return Result{Live: true, VideoID: videoID}, nil
}

func (p *PageProber) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fatalErr("probe page", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyRequestErr("probe page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("probe page", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", classifyRequestErr("probe page", err)
	}
	return string(body), nil
}

// LiveURL builds the /live page URL for a channel given as an @handle, a
// UC... channel id, or a full channel URL.
func LiveURL(base, channel string) (string, error) {
	channel = strings.TrimSpace(channel)
	switch {
	case channel == "":
		return "", fmt.Errorf("channel is empty")
	case strings.HasPrefix(channel, "http://"), strings.HasPrefix(channel, "https://"):
		trimmed := strings.TrimRight(channel, "/")
		if strings.HasSuffix(trimmed, "/live") {
			return trimmed, nil
		}
		return trimmed + "/live", nil
	case strings.HasPrefix(channel, "@"):
		return base + "/" + channel + "/live", nil
	case strings.HasPrefix(channel, "UC"):
		return base + "/channel/" + channel + "/live", nil
	default:
		return "", fmt.Errorf("unrecognized channel identifier %q", channel)
	}
}

// extractWatchURL finds the canonical watch URL on a live page, trying the
// plain form first and the JSON-escaped form second.
func extractWatchURL(html string) string {
	if m := watchURLRe.FindString(html); m != "" {
		return m
	}
	if m := escapedWatchURLRe.FindStringSubmatch(html); m != nil {
		return strings.ReplaceAll(m[1], `\/`, "/")
	}
	return ""
}

func extractVideoID(html, watchURL string) string {
	if m := videoIDRe.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	// Fall back to the id embedded in the watch URL itself.
	if idx := strings.Index(watchURL, "watch?v="); idx >= 0 {
		id := watchURL[idx+len("watch?v="):]
		if len(id) >= 11 {
			return id[:11]
		}
	}
	return ""
}
