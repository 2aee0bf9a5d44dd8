package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/meetlite/signal-relay/internal/config"
)

// handleICE serves the ICE server list clients pass to RTCPeerConnection.
// When TURN REST is configured, static TURN credentials are replaced with
// ephemeral ones minted per request.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers

	if s.turnGen != nil {
		creds, err := s.turnGen.GenerateRandom()
		if err != nil {
			s.log.Error("turn rest credential generation failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential generation failed"})
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)

		resp := map[string]any{
			"iceServers": servers,
			"ttl":        s.cfg.TURNREST.TTLSeconds,
		}
		if s.cfg.TURNREST.Realm != "" {
			resp["realm"] = s.cfg.TURNREST.Realm
		}
		WriteJSON(w, http.StatusOK, resp)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Preserve empty (non-nil) slices so JSON responses consistently encode
		// as `[]` rather than `null`.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.ICEServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
