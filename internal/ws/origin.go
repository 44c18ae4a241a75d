package ws

import (
	"net/http"
	"strings"
)

// defaultOrigin is accepted when no origins are configured, for local
// development of the web client.
const defaultOrigin = "http://localhost:3000"

// NewOriginChecker returns a websocket.Upgrader CheckOrigin func accepting
// the given origins, case-insensitively. Requests without an Origin header
// (native apps, the CLI) are always accepted.
func NewOriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		allowed = []string{defaultOrigin}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
