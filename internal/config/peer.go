package config

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/protocol"
)

const (
	envVarRelayURL      = "INTERVIEW_RTC_RELAY_URL"
	envVarToken         = "INTERVIEW_RTC_TOKEN"
	envVarDevJWTSecret  = "INTERVIEW_RTC_DEV_JWT_SECRET"
	envVarCallID        = "INTERVIEW_RTC_CALL_ID"
	envVarParticipantID = "INTERVIEW_RTC_PARTICIPANT_ID"
	envVarRole          = "INTERVIEW_RTC_ROLE"
	envVarPolite        = "INTERVIEW_RTC_POLITE"

	envVarVideoFile = "INTERVIEW_RTC_VIDEO_FILE"
	envVarAudioFile = "INTERVIEW_RTC_AUDIO_FILE"
	envVarLoopMedia = "INTERVIEW_RTC_LOOP_MEDIA"
	envVarRecordDir = "INTERVIEW_RTC_RECORD_DIR"

	envVarDisconnectGrace      = "INTERVIEW_RTC_DISCONNECT_GRACE"
	envVarICERestartTimeout    = "INTERVIEW_RTC_ICE_RESTART_TIMEOUT"
	envVarReconnectBackoff     = "INTERVIEW_RTC_RECONNECT_BACKOFF"
	envVarMaxReconnectAttempts = "INTERVIEW_RTC_MAX_RECONNECT_ATTEMPTS"
	envVarAnnounceInterval     = "INTERVIEW_RTC_ANNOUNCE_INTERVAL"
	envVarOfferTimeout         = "INTERVIEW_RTC_OFFER_TIMEOUT"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	DefaultRelayURL             = "ws://127.0.0.1:8080/signal"
	DefaultDisconnectGrace      = 3 * time.Second
	DefaultICERestartTimeout    = 5 * time.Second
	DefaultReconnectBackoff     = 1 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultAnnounceInterval     = 2 * time.Second
	DefaultOfferTimeout         = 5 * time.Second
	DefaultWebRTCUDPListenIP    = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. Every ICE
// restart and reconnect gathers fresh host candidates.
const recommendedWebRTCUDPPortRangeSize = 100

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork restricts how pion gathers and binds ICE candidates.
type WebRTCNetwork struct {
	UDPPortRange *UDPPortRange
	// UDPListenIP restricts ICE sockets and host candidates to one local IP.
	// The unspecified address means every interface.
	UDPListenIP          net.IP
	NAT1To1IPs           []string
	NAT1To1CandidateType NAT1To1IPCandidateType
}

// Timing mirrors the coordinator's failure handling knobs.
type Timing struct {
	DisconnectGrace      time.Duration
	ICERestartTimeout    time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
	AnnounceInterval     time.Duration
	OfferTimeout         time.Duration
}

// PeerConfig configures the headless call participant.
type PeerConfig struct {
	Logging

	ConfigFile string

	// RelayURL is ws:// or wss:// for the relay server, redis:// or rediss://
	// to join a Redis relay backend directly.
	RelayURL     string
	Token        string
	DevJWTSecret string

	CallID        string
	ParticipantID string
	Role          protocol.Role
	// Polite is nil when the role decides.
	Polite *bool

	ICEServers []webrtc.ICEServer

	VideoFile string
	AudioFile string
	LoopMedia bool
	RecordDir string

	Timing  Timing
	Network WebRTCNetwork
}

// RelayIsWebSocket reports whether RelayURL points at the relay server.
func (c PeerConfig) RelayIsWebSocket() bool {
	return strings.HasPrefix(c.RelayURL, "ws://") || strings.HasPrefix(c.RelayURL, "wss://")
}

func LoadPeer(args []string) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadPeer(envLookup func(string) (string, bool), args []string) (PeerConfig, error) {
	lookup, configFile, err := withConfigFile(envLookup, args)
	if err != nil {
		return PeerConfig{}, err
	}

	fs := flag.NewFlagSet("interview-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logging := registerLoggingFlags(fs, lookup)
	var ice iceFlags
	ice.register(fs, lookup)

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	token := envOrDefault(lookup, envVarToken, "")
	devJWTSecret := envOrDefault(lookup, envVarDevJWTSecret, "")
	callID := envOrDefault(lookup, envVarCallID, "")
	participantID := envOrDefault(lookup, envVarParticipantID, "")
	roleStr := envOrDefault(lookup, envVarRole, "")
	politeStr := envOrDefault(lookup, envVarPolite, "")
	videoFile := envOrDefault(lookup, envVarVideoFile, "")
	audioFile := envOrDefault(lookup, envVarAudioFile, "")
	recordDir := envOrDefault(lookup, envVarRecordDir, "")
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	loopMedia, err := envBoolOrDefault(lookup, envVarLoopMedia, true)
	if err != nil {
		return PeerConfig{}, err
	}
	disconnectGrace, err := envDurationOrDefault(lookup, envVarDisconnectGrace, DefaultDisconnectGrace)
	if err != nil {
		return PeerConfig{}, err
	}
	iceRestartTimeout, err := envDurationOrDefault(lookup, envVarICERestartTimeout, DefaultICERestartTimeout)
	if err != nil {
		return PeerConfig{}, err
	}
	reconnectBackoff, err := envDurationOrDefault(lookup, envVarReconnectBackoff, DefaultReconnectBackoff)
	if err != nil {
		return PeerConfig{}, err
	}
	maxReconnectAttempts, err := envIntOrDefault(lookup, envVarMaxReconnectAttempts, DefaultMaxReconnectAttempts)
	if err != nil {
		return PeerConfig{}, err
	}
	announceInterval, err := envDurationOrDefault(lookup, envVarAnnounceInterval, DefaultAnnounceInterval)
	if err != nil {
		return PeerConfig{}, err
	}
	offerTimeout, err := envDurationOrDefault(lookup, envVarOfferTimeout, DefaultOfferTimeout)
	if err != nil {
		return PeerConfig{}, err
	}

	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	fs.String("config", configFile, "Optional config file (yaml, json or toml; env "+envVarConfigFile+")")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay server websocket URL (ws://, wss://) or Redis URL (redis://, rediss://) (env "+envVarRelayURL+")")
	fs.StringVar(&token, "token", token, "Relay server JWT (env "+envVarToken+")")
	fs.StringVar(&devJWTSecret, "dev-jwt-secret", devJWTSecret, "Mint a local JWT with this secret when --token is empty (development only; env "+envVarDevJWTSecret+")")
	fs.StringVar(&callID, "call-id", callID, "Call identifier; also the relay topic (env "+envVarCallID+")")
	fs.StringVar(&participantID, "participant-id", participantID, "Local participant id (default: random; env "+envVarParticipantID+")")
	fs.StringVar(&roleStr, "role", roleStr, "Local role: initiator/interviewer or responder/candidate (env "+envVarRole+")")
	fs.StringVar(&politeStr, "polite", politeStr, "Override the polite side: true or false (default: responder is polite; env "+envVarPolite+")")
	fs.StringVar(&videoFile, "video-file", videoFile, "IVF (VP8) file to send as the local video track (env "+envVarVideoFile+")")
	fs.StringVar(&audioFile, "audio-file", audioFile, "Ogg (Opus) file to send as the local audio track (env "+envVarAudioFile+")")
	fs.BoolVar(&loopMedia, "loop-media", loopMedia, "Restart media files at EOF (env "+envVarLoopMedia+")")
	fs.StringVar(&recordDir, "record-dir", recordDir, "Write remote tracks to IVF/Ogg files in this directory (env "+envVarRecordDir+")")
	fs.DurationVar(&disconnectGrace, "disconnect-grace", disconnectGrace, "Wait this long in ICE disconnected before treating it as failed (env "+envVarDisconnectGrace+")")
	fs.DurationVar(&iceRestartTimeout, "ice-restart-timeout", iceRestartTimeout, "Fall back to a full reconnect if an ICE restart has not connected after this long (env "+envVarICERestartTimeout+")")
	fs.DurationVar(&reconnectBackoff, "reconnect-backoff", reconnectBackoff, "Base reconnect delay, multiplied by the attempt number (env "+envVarReconnectBackoff+")")
	fs.IntVar(&maxReconnectAttempts, "max-reconnect-attempts", maxReconnectAttempts, "Full reconnects before giving up (env "+envVarMaxReconnectAttempts+")")
	fs.DurationVar(&announceInterval, "announce-interval", announceInterval, "Repeat the join announcement this often until the other side answers (env "+envVarAnnounceInterval+")")
	fs.DurationVar(&offerTimeout, "offer-timeout", offerTimeout, "Roll back and re-send an offer that has no answer after this long (env "+envVarOfferTimeout+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return PeerConfig{}, err
	}

	log, err := logging.resolve(fs)
	if err != nil {
		return PeerConfig{}, err
	}

	relayURL = strings.TrimSpace(relayURL)
	u, err := url.Parse(relayURL)
	if err != nil || u.Host == "" {
		return PeerConfig{}, fmt.Errorf("invalid %s/--relay-url %q", envVarRelayURL, relayURL)
	}
	switch u.Scheme {
	case "ws", "wss", "redis", "rediss":
	default:
		return PeerConfig{}, fmt.Errorf("invalid %s/--relay-url %q (expected ws://, wss://, redis:// or rediss://)", envVarRelayURL, relayURL)
	}

	callID = strings.TrimSpace(callID)
	if err := protocol.ValidateTopic(callID); err != nil {
		return PeerConfig{}, fmt.Errorf("invalid %s/--call-id: %w", envVarCallID, err)
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		participantID = uuid.NewString()
	}
	if participantID == protocol.Broadcast {
		return PeerConfig{}, fmt.Errorf("invalid %s/--participant-id %q", envVarParticipantID, participantID)
	}
	role, err := protocol.ParseRole(roleStr)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("%s/--role: %w", envVarRole, err)
	}

	var polite *bool
	if s := strings.TrimSpace(politeStr); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid %s/--polite %q: %w", envVarPolite, politeStr, err)
		}
		polite = &v
	}

	timing := Timing{
		DisconnectGrace:      disconnectGrace,
		ICERestartTimeout:    iceRestartTimeout,
		ReconnectBackoff:     reconnectBackoff,
		MaxReconnectAttempts: maxReconnectAttempts,
		AnnounceInterval:     announceInterval,
		OfferTimeout:         offerTimeout,
	}
	if timing.DisconnectGrace <= 0 || timing.ICERestartTimeout <= 0 || timing.ReconnectBackoff <= 0 {
		return PeerConfig{}, fmt.Errorf("%s, %s and %s must be > 0", envVarDisconnectGrace, envVarICERestartTimeout, envVarReconnectBackoff)
	}
	if timing.AnnounceInterval <= 0 || timing.OfferTimeout <= 0 {
		return PeerConfig{}, fmt.Errorf("%s and %s must be > 0", envVarAnnounceInterval, envVarOfferTimeout)
	}
	if timing.MaxReconnectAttempts < 0 {
		return PeerConfig{}, fmt.Errorf("%s/--max-reconnect-attempts must be >= 0", envVarMaxReconnectAttempts)
	}

	network, err := parseWebRTCNetwork(webrtcUDPPortMin, webrtcUDPPortMax, webrtcUDPListenIPStr, webrtcNAT1To1IPsStr, webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return PeerConfig{}, err
	}

	iceServers, err := ice.parse(false)
	if err != nil {
		return PeerConfig{}, err
	}

	return PeerConfig{
		Logging:    log,
		ConfigFile: fs.Lookup("config").Value.String(),

		RelayURL:     relayURL,
		Token:        strings.TrimSpace(token),
		DevJWTSecret: strings.TrimSpace(devJWTSecret),

		CallID:        callID,
		ParticipantID: participantID,
		Role:          role,
		Polite:        polite,

		ICEServers: iceServers,

		VideoFile: strings.TrimSpace(videoFile),
		AudioFile: strings.TrimSpace(audioFile),
		LoopMedia: loopMedia,
		RecordDir: strings.TrimSpace(recordDir),

		Timing:  timing,
		Network: network,
	}, nil
}

func parseWebRTCNetwork(portMin, portMax uint, listenIPStr, nat1To1IPsStr, candidateTypeStr string) (WebRTCNetwork, error) {
	var out WebRTCNetwork

	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return WebRTCNetwork{}, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)",
				envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		min, err := parsePortUint(portMin)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(portMax)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		out.UDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	out.UDPListenIP = net.ParseIP(strings.TrimSpace(listenIPStr))
	if out.UDPListenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, listenIPStr)
	}

	if strings.TrimSpace(nat1To1IPsStr) != "" {
		ips, err := parseIPList(nat1To1IPsStr)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips %q: %w", envVarWebRTCNAT1To1IPs, nat1To1IPsStr, err)
		}
		out.NAT1To1IPs = ips
	}

	if strings.TrimSpace(candidateTypeStr) == "" {
		candidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	candidateType, err := parseCandidateType(candidateTypeStr)
	if err != nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type %q: %w", envVarWebRTCNAT1To1IPCandidateType, candidateTypeStr, err)
	}
	out.NAT1To1CandidateType = candidateType
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
