// Package config loads roomchat settings from YAML. Every field has a default,
// so an empty or missing file yields a working client and relay.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/roomchat/pkg/protocol"
	"github.com/go-go-golems/roomchat/pkg/relay"
	"github.com/go-go-golems/roomchat/pkg/roomchat"
	"github.com/go-go-golems/roomchat/pkg/transport/redisroom"
	"github.com/go-go-golems/roomchat/pkg/transport/wsconn"
)

const (
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"
)

type Settings struct {
	Logging   LoggingKeys        `yaml:",inline"`
	Client    ClientSettings     `yaml:"client"`
	KeepAlive KeepAliveSettings  `yaml:"keepalive"`
	Redis     redisroom.Settings `yaml:"redis"`
	Relay     relay.Settings     `yaml:"relay"`
}

// LoggingKeys are the top-level keys the glazed logger reads through viper.
// They are accepted, not used, so one file can configure both.
type LoggingKeys struct {
	LogLevel    string `yaml:"log-level,omitempty"`
	LogFormat   string `yaml:"log-format,omitempty"`
	LogFile     string `yaml:"log-file,omitempty"`
	WithCaller  bool   `yaml:"with-caller,omitempty"`
	LogToStdout bool   `yaml:"log-to-stdout,omitempty"`
}

type ClientSettings struct {
	URL         string            `yaml:"url"`
	Transport   string            `yaml:"transport"`
	ReceiptMode string            `yaml:"receipt-mode"`
	SendBuffer  int               `yaml:"send-buffer"`
	Reconnect   ReconnectSettings `yaml:"reconnect"`
}

type ReconnectSettings struct {
	InitialInterval time.Duration `yaml:"initial-interval"`
	MaxInterval     time.Duration `yaml:"max-interval"`
	// MaxAttempts of 0 retries forever.
	MaxAttempts     int           `yaml:"max-attempts"`
	MinDialInterval time.Duration `yaml:"min-dial-interval"`
}

// KeepAliveSettings applies to client and relay websockets alike.
type KeepAliveSettings struct {
	PingInterval time.Duration `yaml:"ping-interval"`
	PongWait     time.Duration `yaml:"pong-wait"`
	WriteWait    time.Duration `yaml:"write-wait"`
}

func Default() Settings {
	policy := roomchat.DefaultReconnectPolicy()
	keep := wsconn.DefaultKeepAlive()
	return Settings{
		Client: ClientSettings{
			URL:         "ws://localhost:8000/chat",
			Transport:   TransportWebsocket,
			ReceiptMode: string(protocol.ReceiptByMessage),
			SendBuffer:  256,
			Reconnect: ReconnectSettings{
				InitialInterval: policy.InitialInterval,
				MaxInterval:     policy.MaxInterval,
				MaxAttempts:     policy.MaxAttempts,
				MinDialInterval: policy.MinDialInterval,
			},
		},
		KeepAlive: KeepAliveSettings{
			PingInterval: keep.PingInterval,
			PongWait:     keep.PongWait,
			WriteWait:    keep.WriteWait,
		},
		Redis: redisroom.Settings{Addr: "localhost:6379", Prefix: redisroom.DefaultPrefix},
		Relay: relay.DefaultSettings(),
	}
}

// Load reads path over Default. An empty path returns the validated defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if strings.TrimSpace(path) == "" {
		return s, s.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "read config %s", path)
	}
	if err := s.decode(b); err != nil {
		return s, errors.Wrapf(err, "parse config %s", path)
	}
	return s, s.Validate()
}

// Parse decodes YAML bytes over Default.
func Parse(b []byte) (Settings, error) {
	s := Default()
	if err := s.decode(b); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func (s *Settings) decode(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s Settings) Validate() error {
	switch s.Client.Transport {
	case TransportWebsocket:
		u, err := url.Parse(s.Client.URL)
		if err != nil {
			return errors.Wrap(err, "client.url")
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.Errorf("client.url %q: scheme must be ws or wss", s.Client.URL)
		}
	case TransportRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("redis.addr is required for the redis transport")
		}
	default:
		return errors.Errorf("client.transport %q: must be %s or %s", s.Client.Transport, TransportWebsocket, TransportRedis)
	}
	if _, ok := protocol.ParseReceiptMode(s.Client.ReceiptMode); !ok {
		return errors.Errorf("client.receipt-mode %q: must be message or author", s.Client.ReceiptMode)
	}
	if s.Client.SendBuffer < 0 {
		return errors.New("client.send-buffer must not be negative")
	}
	r := s.Client.Reconnect
	if r.InitialInterval < 0 || r.MaxInterval < 0 || r.MinDialInterval < 0 || r.MaxAttempts < 0 {
		return errors.New("client.reconnect values must not be negative")
	}
	if s.KeepAlive.PingInterval < 0 || s.KeepAlive.PongWait < 0 || s.KeepAlive.WriteWait < 0 {
		return errors.New("keepalive values must not be negative")
	}
	if s.Relay.IdleTimeout < 0 {
		return errors.New("relay.idle-timeout must not be negative")
	}
	return nil
}

func (s Settings) ReceiptMode() protocol.ReceiptMode {
	m, ok := protocol.ParseReceiptMode(s.Client.ReceiptMode)
	if !ok {
		return protocol.ReceiptByMessage
	}
	return m
}

func (s Settings) ReconnectPolicy() roomchat.ReconnectPolicy {
	r := s.Client.Reconnect
	return roomchat.ReconnectPolicy{
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		MaxAttempts:     r.MaxAttempts,
		MinDialInterval: r.MinDialInterval,
	}
}

func (s Settings) WSKeepAlive() wsconn.KeepAlive {
	return wsconn.KeepAlive{
		PingInterval: s.KeepAlive.PingInterval,
		PongWait:     s.KeepAlive.PongWait,
		WriteWait:    s.KeepAlive.WriteWait,
	}
}

// SessionOptions maps the client section onto roomchat session options.
func (s Settings) SessionOptions(logger zerolog.Logger) []roomchat.SessionOption {
	return []roomchat.SessionOption{
		roomchat.WithSessionLogger(logger),
		roomchat.WithReceiptMode(s.ReceiptMode()),
		roomchat.WithConnectionOptions(
			roomchat.WithReconnectPolicy(s.ReconnectPolicy()),
			roomchat.WithSendBuffer(s.Client.SendBuffer),
		),
	}
}

// RelaySettings returns the relay section with the shared keep-alive applied.
func (s Settings) RelaySettings() relay.Settings {
	r := s.Relay
	r.KeepAlive = s.WSKeepAlive()
	return r
}
