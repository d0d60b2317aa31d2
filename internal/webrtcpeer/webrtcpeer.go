// Package webrtcpeer backs the negotiation coordinator with pion peer
// connections.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/config"
)

// NewAPI builds the pion API shared by every peer generation: default
// codecs, the configured ICE network restrictions, and pion's internal
// logging routed to logger.
func NewAPI(cfg config.WebRTCNetwork, logger *slog.Logger) (*webrtc.API, error) {
	return newAPI(cfg, logger, nil)
}

func newAPI(cfg config.WebRTCNetwork, logger *slog.Logger, tweak func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if logger != nil {
		se.LoggerFactory = NewLoggerFactory(logger)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(&se)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTCNetwork) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1CandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// There is no bind address setting; an IP filter restricts both gathering
	// and socket binding.
	if !config.IsUnspecifiedIP(cfg.UDPListenIP) {
		listenIP := cfg.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
