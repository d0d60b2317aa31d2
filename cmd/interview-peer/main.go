package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/intervue/interview-rtc/internal/auth"
	"github.com/intervue/interview-rtc/internal/config"
	"github.com/intervue/interview-rtc/internal/media"
	"github.com/intervue/interview-rtc/internal/negotiation"
	"github.com/intervue/interview-rtc/internal/relay"
	"github.com/intervue/interview-rtc/internal/webrtcpeer"
)

// relayConn is a relay transport the peer owns. done is nil when the
// transport cannot fail on its own.
type relayConn struct {
	relay.Relay
	io.Closer
	done <-chan struct{}
}

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger))
}

func run(ctx context.Context, cfg config.PeerConfig, logger *slog.Logger) int {
	id, token, err := resolveIdentity(cfg, logger)
	if err != nil {
		logger.Error("invalid identity", "err", err)
		return 2
	}
	polite := negotiation.DefaultPolite(id.Role)
	if cfg.Polite != nil {
		polite = *cfg.Polite
	}
	logger = logger.With("call_id", id.CallID, "participant_id", id.ParticipantID)
	logger.Info("starting interview-peer",
		"role", id.Role,
		"polite", polite,
		"relay_url", cfg.RelayURL,
		"video_file", cfg.VideoFile,
		"audio_file", cfg.AudioFile,
		"record_dir", cfg.RecordDir,
	)

	iceServers := cfg.ICEServers
	if len(iceServers) == 0 && cfg.RelayIsWebSocket() {
		iceServers, err = fetchICEServers(ctx, http.DefaultClient, cfg.RelayURL, token, id)
		if err != nil {
			// A direct host-candidate call may still work.
			logger.Warn("could not fetch ICE servers from relay", "err", err)
		}
	}

	api, err := webrtcpeer.NewAPI(cfg.Network, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	local, sources, err := openLocalMedia(cfg, id, logger)
	if err != nil {
		logger.Error("failed to open local media", "err", err)
		return 2
	}

	var recorder *media.Recorder
	if cfg.RecordDir != "" {
		recorder, err = media.NewRecorder(cfg.RecordDir, logger)
		if err != nil {
			logger.Error("failed to create recorder", "err", err)
			return 2
		}
	}

	conn, err := dialRelay(ctx, cfg, token, id, logger)
	if err != nil {
		logger.Error("failed to connect to relay", "err", err)
		return 1
	}
	defer conn.Close()

	maxAttempts := cfg.Timing.MaxReconnectAttempts
	if maxAttempts == 0 {
		maxAttempts = -1
	}
	terminated := make(chan struct{})
	var terminatedOnce sync.Once
	recorded := map[string]bool{}

	coord, err := negotiation.New(negotiation.Config{
		Identity:             id,
		Polite:               polite,
		ICEServers:           iceServers,
		DisconnectGrace:      cfg.Timing.DisconnectGrace,
		ICERestartTimeout:    cfg.Timing.ICERestartTimeout,
		ReconnectBackoff:     cfg.Timing.ReconnectBackoff,
		MaxReconnectAttempts: maxAttempts,
		AnnounceInterval:     cfg.Timing.AnnounceInterval,
		OfferTimeout:         cfg.Timing.OfferTimeout,
		OnRemoteStream: func(s *media.RemoteStream) {
			if s == nil {
				logger.Info("remote stream ended")
				return
			}
			for _, t := range s.Tracks() {
				key := s.ID() + "/" + t.ID()
				if recorder == nil || recorded[key] {
					continue
				}
				recorded[key] = true
				recorder.Start(t)
			}
		},
		OnLifecycle: func(l negotiation.Lifecycle) {
			logger.Info("call state", "lifecycle", l.String())
			if l == negotiation.LifecycleTerminated {
				terminatedOnce.Do(func() { close(terminated) })
			}
		},
	}, conn, webrtcpeer.NewFactory(api, logger), logger)
	if err != nil {
		logger.Error("failed to configure coordinator", "err", err)
		return 2
	}

	if err := coord.Start(ctx, local); err != nil {
		logger.Error("failed to start call", "err", err)
		coord.Stop()
		return 1
	}

	mediaCtx, cancelMedia := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, src := range sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Run(mediaCtx); err != nil {
				logger.Warn("media source stopped", "path", src.Path, "err", err)
			}
		}()
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-terminated:
		logger.Error("call failed", "status", fmt.Sprintf("%+v", coord.Status()))
		code = 1
	case <-conn.done:
		logger.Error("relay connection lost")
		code = 1
	}

	coord.Stop()
	cancelMedia()
	wg.Wait()
	if recorder != nil {
		recorder.Wait()
	}
	return code
}

// resolveIdentity picks the identity to act as and the relay token. A given
// token is authoritative since the server stamps its identity on every
// envelope.
func resolveIdentity(cfg config.PeerConfig, logger *slog.Logger) (negotiation.Identity, string, error) {
	id := negotiation.Identity{CallID: cfg.CallID, ParticipantID: cfg.ParticipantID, Role: cfg.Role}

	switch {
	case cfg.Token != "":
		claimed, err := auth.PeekIdentity(cfg.Token)
		if err != nil {
			return negotiation.Identity{}, "", err
		}
		if claimed.CallID != cfg.CallID {
			return negotiation.Identity{}, "", fmt.Errorf("token is for call %q, not %q", claimed.CallID, cfg.CallID)
		}
		if claimed.ParticipantID != id.ParticipantID || claimed.Role != id.Role {
			logger.Info("using identity from token", "participant_id", claimed.ParticipantID, "role", claimed.Role)
		}
		return negotiation.Identity{CallID: claimed.CallID, ParticipantID: claimed.ParticipantID, Role: claimed.Role}, cfg.Token, nil
	case cfg.DevJWTSecret != "" && cfg.RelayIsWebSocket():
		token, err := auth.NewIssuer(cfg.DevJWTSecret, 0).Issue(auth.Identity{
			CallID:        id.CallID,
			ParticipantID: id.ParticipantID,
			Role:          id.Role,
		})
		if err != nil {
			return negotiation.Identity{}, "", fmt.Errorf("mint dev token: %w", err)
		}
		logger.Warn("using a locally minted token; development only")
		return id, token, nil
	default:
		return id, "", nil
	}
}

func openLocalMedia(cfg config.PeerConfig, id negotiation.Identity, logger *slog.Logger) (*media.LocalStream, []*media.FileSource, error) {
	// Both tracks are always offered so the call is bidirectional even when
	// this side has nothing to send.
	local, err := media.NewLocalStream(id.ParticipantID, media.VideoVP8, media.AudioOpus)
	if err != nil {
		return nil, nil, err
	}
	var sources []*media.FileSource
	for _, path := range []string{cfg.VideoFile, cfg.AudioFile} {
		if path == "" {
			continue
		}
		kind, err := media.FileKind(path)
		if err != nil {
			return nil, nil, err
		}
		if _, err := os.Stat(path); err != nil {
			return nil, nil, err
		}
		sources = append(sources, &media.FileSource{
			Path:   path,
			Sink:   local.Track(kind),
			Loop:   cfg.LoopMedia,
			Logger: logger,
		})
	}
	return local, sources, nil
}

func dialRelay(ctx context.Context, cfg config.PeerConfig, token string, id negotiation.Identity, logger *slog.Logger) (relayConn, error) {
	if !cfg.RelayIsWebSocket() {
		b, err := relay.DialRedis(ctx, relay.RedisConfig{URL: cfg.RelayURL, Logger: logger})
		if err != nil {
			return relayConn{}, err
		}
		return relayConn{Relay: b, Closer: b}, nil
	}

	relayURL := cfg.RelayURL
	if token == "" {
		u, err := url.Parse(cfg.RelayURL)
		if err != nil {
			return relayConn{}, err
		}
		queryIdentity(u, id)
		relayURL = u.String()
	}
	c, err := relay.DialWS(ctx, relay.WSClientConfig{URL: relayURL, Token: token, Logger: logger})
	if err != nil {
		return relayConn{}, err
	}
	return relayConn{Relay: c, Closer: c, done: c.Done()}, nil
}
