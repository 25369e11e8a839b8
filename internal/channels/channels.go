package channels

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

// Channel is one entry of the XML channel list, carrying the EPG metadata
// emitted into the playlist.
type Channel struct {
	Name       string `xml:"channel-name" json:"name"`
	TvgID      string `xml:"tvg-id" json:"tvgId"`
	TvgName    string `xml:"tvg-name" json:"tvgName"`
	TvgLogo    string `xml:"tvg-logo" json:"tvgLogo"`
	GroupTitle string `xml:"group-title" json:"groupTitle"`
	YouTubeURL string `xml:"youtube-url" json:"youtubeUrl"`
}

type channelList struct {
	XMLName  xml.Name  `xml:"channels"`
	Channels []Channel `xml:"channel"`
}

// LoadFile reads and parses the channel list from path.
func LoadFile(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return Parse(data)
}

// Parse decodes an XML channel list.
func Parse(data []byte) ([]Channel, error) {
	var list channelList
	if err := xml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse channels xml: %w", err)
	}

	channels := make([]Channel, 0, len(list.Channels))
	for _, ch := range list.Channels {
		ch.Name = strings.TrimSpace(ch.Name)
		ch.TvgID = strings.TrimSpace(ch.TvgID)
		ch.TvgName = strings.TrimSpace(ch.TvgName)
		ch.TvgLogo = strings.TrimSpace(ch.TvgLogo)
		ch.GroupTitle = strings.TrimSpace(ch.GroupTitle)
		ch.YouTubeURL = strings.TrimSpace(ch.YouTubeURL)
		if ch.GroupTitle == "" {
			ch.GroupTitle = "General"
		}
		if ch.YouTubeURL == "" {
			continue
		}
		channels = append(channels, ch)
	}
	return channels, nil
}
