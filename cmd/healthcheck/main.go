// Container healthcheck probe: exits 0 when the service answers its health
// route, 1 otherwise. Replaces curl in the image.
package main

import (
	"context"
	"net/http"
	"os"
	"time"
)

func main() {
	endpoint := os.Getenv("HEALTHCHECK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:6095/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		os.Exit(1)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
