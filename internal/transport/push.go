package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/telesync/internal/api"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"github.com/gorilla/websocket"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultHeartbeatTimeout = 30 * time.Second

	writeWait    = 5 * time.Second
	maxFrameSize = 1 << 20
)

type PushConfig struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL              string
	HandshakeTimeout time.Duration
	// HeartbeatTimeout is how long the channel may stay silent. Pings are
	// sent at a third of it.
	HeartbeatTimeout time.Duration
}

// Push receives snapshot frames over a websocket.
type Push struct {
	cfg    PushConfig
	auth   api.Authorizer
	dialer *websocket.Dialer
	logger logger.Logger
}

func NewPush(cfg PushConfig, auth api.Authorizer, log logger.Logger) *Push {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	return &Push{
		cfg:  cfg,
		auth: auth,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: log,
	}
}

func (*Push) Name() string {
	return NamePush
}

func (p *Push) Run(ctx context.Context, sink Sink) error {
	conn, err := p.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	p.logger.Info().Str("url", p.cfg.URL).Msg("Push channel connected")
	sink.Established()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(p.cfg.HeartbeatTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go p.keepalive(ctx, conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return p.readError(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.HeartbeatTimeout))

		snap, frameType, ok, err := telemetry.DecodeFrame(message)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Dropped malformed frame")
			continue
		}
		if !ok {
			p.logger.Debug().Str("type", string(frameType)).Msg("Ignored frame")
			continue
		}

		sink.Snapshot(snap)
	}
}

// Probe completes a handshake and closes the connection right away.
func (p *Push) Probe(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe"),
		time.Now().Add(writeWait))
	return conn.Close()
}

func (p *Push) dial(ctx context.Context) (*websocket.Conn, error) {
	errFactory := errors.New()

	header, err := p.header()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := p.dialer.DialContext(dialCtx, p.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errFactory.Wrap(errors.ErrUnauthorized, &api.StatusError{
				StatusCode: resp.StatusCode,
				Method:     http.MethodGet,
				Path:       p.cfg.URL,
			})
		}
		return nil, errFactory.Wrap(ErrHandshake, err)
	}

	return conn, nil
}

// header collects the credential headers for the upgrade request.
func (p *Push) header() (http.Header, error) {
	if p.auth == nil {
		return http.Header{}, nil
	}

	req, err := http.NewRequest(http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, errors.New().Wrap(ErrHandshake, err)
	}
	if err := p.auth.Attach(req); err != nil {
		return nil, err
	}

	return req.Header, nil
}

// keepalive pings at a third of the heartbeat timeout and closes the
// connection once ctx ends, which unblocks the reader.
func (p *Push) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug().Err(err).Msg("Ping failed")
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-done:
			return
		}
	}
}

func (p *Push) readError(err error) error {
	errFactory := errors.New()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		p.logger.Warn().Dur("timeout", p.cfg.HeartbeatTimeout).Msg("Push channel heartbeat missed")
		return errFactory.Wrap(ErrHeartbeatMissed, err)
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.logger.Warn().Err(err).Msg("Push channel closed unexpectedly")
	} else {
		p.logger.Info().Err(err).Msg("Push channel closed")
	}

	return errFactory.Wrap(ErrTransport, err)
}
