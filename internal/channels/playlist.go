package channels

import (
	"fmt"
	"net/url"
	"strings"
)

// Playlist renders an M3U playlist whose entries point at this service's
// /stream proxy, so players pull through the relay instead of hitting
// YouTube directly. baseURL is the externally reachable address of this
// service, quality the streamlink quality selector.
func Playlist(channels []Channel, baseURL, quality string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")

	base := strings.TrimRight(baseURL, "/")
	for _, ch := range channels {
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-logo=%q group-title=%q,%s\n",
			ch.TvgID, ch.TvgName, ch.TvgLogo, ch.GroupTitle, ch.Name)

		query := url.Values{}
		query.Set("url", ch.YouTubeURL)
		if quality != "" {
			query.Set("quality", quality)
		}
		b.WriteString(base + "/stream?" + query.Encode() + "\n")
	}
	return b.String()
}
