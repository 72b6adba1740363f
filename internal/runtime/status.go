package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/sensortelemetry/relay/internal/runtime/jsoncodec"
	"github.com/sensortelemetry/relay/internal/runtime/relay"
)

// RelayStatus describes one registered relay.
type RelayStatus struct {
	Kind      string                            `json:"kind"`
	Mode      string                            `json:"mode"`
	Transport string                            `json:"transport"`
	Topic     string                            `json:"topic,omitempty"`
	Inbound   string                            `json:"inbound_channel"`
	Outbound  string                            `json:"outbound_channel"`
	Dispatch  string                            `json:"dispatch"`
	Active    bool                              `json:"active"`
	Counters  map[relay.Direction]RelayCounters `json:"counters,omitempty"`
}

// StatusSnapshot is the body served by /relays.
type StatusSnapshot struct {
	Instance  string        `json:"instance"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Relays    []RelayStatus `json:"relays"`
	Resources ResourceUsage `json:"resources"`
}

// Status returns a snapshot of every registered relay.
func (s *Service) Status() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatusSnapshot{
		Instance:  s.identity.Short(),
		StartedAt: s.startedAt,
		Relays:    make([]RelayStatus, 0, len(s.entries)),
		Resources: s.resources.Snapshot(),
	}
	for _, e := range s.entries {
		st := e.status()
		if s.metrics != nil {
			if counters := s.metrics.Counters(st.Kind); len(counters) > 0 {
				st.Counters = counters
			}
		}
		snap.Relays = append(snap.Relays, st)
	}
	return snap
}

func (s *Service) handleGetRelays(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode relay status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
