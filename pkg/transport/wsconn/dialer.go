package wsconn

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomchat/pkg/roomchat"
)

const (
	QueryRoomID      = "id"
	QueryDisplayName = "name"
)

type Option func(*Dialer)

func WithKeepAlive(k KeepAlive) Option {
	return func(d *Dialer) {
		d.keep = k
	}
}

func WithHandshakeTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.ws.HandshakeTimeout = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dialer) {
		d.log = logger
	}
}

// Dialer opens one websocket per roomchat.Target against a relay endpoint
// such as ws://localhost:8000/chat. Room and display name travel as the id and
// name query parameters.
type Dialer struct {
	base *url.URL
	ws   websocket.Dialer
	keep KeepAlive
	log  zerolog.Logger
}

var _ roomchat.Dialer = (*Dialer)(nil)

func NewDialer(endpoint string, opts ...Option) (*Dialer, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, errors.Wrap(err, "parse relay url")
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, errors.Errorf("relay url %q: scheme must be ws or wss", endpoint)
	}
	if u.Host == "" {
		return nil, errors.Errorf("relay url %q: missing host", endpoint)
	}
	d := &Dialer{
		base: u,
		ws: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		keep: DefaultKeepAlive(),
		log:  log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("component", "wsconn").Logger()
	return d, nil
}

// URL returns the endpoint dialed for target.
func (d *Dialer) URL(target roomchat.Target) string {
	u := *d.base
	q := u.Query()
	q.Set(QueryRoomID, target.RoomID)
	q.Set(QueryDisplayName, target.DisplayName)
	u.RawQuery = q.Encode()
	return u.String()
}

// Dial connects to the relay. A 404 handshake response is reported as
// roomchat.ErrUnknownRoom.
func (d *Dialer) Dial(ctx context.Context, target roomchat.Target) (roomchat.Conn, error) {
	endpoint := d.URL(target)
	ws, resp, err := d.ws.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, errors.Wrapf(roomchat.ErrUnknownRoom, "room %q", target.RoomID)
			case http.StatusBadRequest:
				return nil, errors.Wrapf(roomchat.ErrInvalidTarget, "relay rejected %q as %q", target.RoomID, target.DisplayName)
			}
			return nil, errors.Wrapf(err, "dial %s: status %d", d.base.Host, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", d.base.Host)
	}
	d.log.Debug().Str("room_id", target.RoomID).Str("url", endpoint).Msg("websocket connected")
	return Wrap(ws, d.keep), nil
}
