package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/auth"
	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleICE serves the configured ICE servers. With TURN REST enabled the
// caller must authenticate and every TURN entry carries credentials minted
// for that participant.
func (s *Server) handleICE(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.opts.TURN == nil {
		c.JSON(http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	if s.opts.Authenticator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "turn credentials unavailable"})
		return
	}
	id, err := s.opts.Authenticator.Authenticate(c.Request)
	if err != nil {
		s.opts.Metrics.Inc(metrics.AuthFailures)
		status := http.StatusUnauthorized
		if !errors.Is(err, auth.ErrMissingCredentials) && !errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": "unauthorized"})
		return
	}

	creds := s.opts.TURN.Generate(id.ParticipantID)
	s.opts.Metrics.Inc(metrics.TURNCredentialsIssued)
	c.JSON(http.StatusOK, iceResponse{ICEServers: turnrest.Apply(servers, creds)})
}
