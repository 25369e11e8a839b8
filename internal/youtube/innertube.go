package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	innertubeKeyRe = regexp.MustCompile(`["']INNERTUBE_API_KEY["']\s*:\s*["']([^"']+)["']`)
	visitorDataRe  = regexp.MustCompile(`["']visitorData["']\s*:\s*["']([^"']+)["']`)
)

type playerRequest struct {
	Context struct {
		Client struct {
			ClientName    string `json:"clientName"`
			ClientVersion string `json:"clientVersion"`
			VisitorData   string `json:"visitorData"`
		} `json:"client"`
	} `json:"context"`
	VideoID string `json:"videoId"`
}

type playerResponse struct {
	StreamingData struct {
		HLSManifestURL string `json:"hlsManifestUrl"`
	} `json:"streamingData"`
}

// ResolveHLS turns a live video id into its HLS manifest URL via the
// InnerTube player endpoint. The API key and visitor token are scraped from
// the watch page on every call; they rotate too often to cache.
func (p *PageProber) ResolveHLS(ctx context.Context, videoID string) (string, error) {
	ctx, span := tracer.Start(ctx, "youtube.resolve_hls",
		trace.WithAttributes(attribute.String("youtube.video_id", videoID)))
	defer span.End()

	page, err := p.fetch(ctx, p.baseURL+"/watch?v="+videoID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	keyMatch := innertubeKeyRe.FindStringSubmatch(page)
	visitorMatch := visitorDataRe.FindStringSubmatch(page)
	if keyMatch == nil || visitorMatch == nil {
		err := transientErr("resolve hls", fmt.Errorf("watch page for %s carries no InnerTube tokens", videoID))
		span.RecordError(err)
		return "", err
	}

	var payload playerRequest
	payload.Context.Client.ClientName = "IOS"
	payload.Context.Client.ClientVersion = "19.45.4"
	payload.Context.Client.VisitorData = visitorMatch[1]
	payload.VideoID = videoID

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal player request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/youtubei/v1/player?key="+keyMatch[1], bytes.NewReader(body))
	if err != nil {
		return "", fatalErr("resolve hls", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyRequestErr("resolve hls", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("resolve hls", resp.StatusCode)
	}

	var parsed playerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&parsed); err != nil {
		return "", transientErr("resolve hls", fmt.Errorf("decode player response: %w", err))
	}

	if parsed.StreamingData.HLSManifestURL == "" {
		return "", transientErr("resolve hls", fmt.Errorf("no HLS stream for %s", videoID))
	}
	return parsed.StreamingData.HLSManifestURL, nil
}
