package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NotificationTTL asks the server how long notifications stay on screen.
func NotificationTTL(ctx context.Context, baseURL, token string, hc *http.Client) (time.Duration, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/events/status", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status: server returned %d", resp.StatusCode)
	}

	var body struct {
		NotificationTTLSeconds int `json:"notification_ttl_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode status: %w", err)
	}
	if body.NotificationTTLSeconds <= 0 {
		return 0, fmt.Errorf("status: no notification ttl advertised")
	}
	return time.Duration(body.NotificationTTLSeconds) * time.Second, nil
}
