package roomchat

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomchat/pkg/protocol"
	"github.com/go-go-golems/roomchat/pkg/transcript"
)

// NewMessageID returns a collision-resistant message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

type sessionConfig struct {
	logger             zerolog.Logger
	mode               protocol.ReceiptMode
	newID              func() string
	connOpts           []ConnectionOption
	stateListeners     []func(State)
	transcriptListener func(transcript.Change)
}

type SessionOption func(*sessionConfig) error

func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(c *sessionConfig) error {
		c.logger = logger
		return nil
	}
}

func WithReceiptMode(mode protocol.ReceiptMode) SessionOption {
	return func(c *sessionConfig) error {
		switch mode {
		case protocol.ReceiptByMessage, protocol.ReceiptByAuthor:
			c.mode = mode
			return nil
		default:
			return errors.Errorf("unsupported receipt mode %q", mode)
		}
	}
}

func WithIDGenerator(fn func() string) SessionOption {
	return func(c *sessionConfig) error {
		if fn == nil {
			return errors.New("id generator is nil")
		}
		c.newID = fn
		return nil
	}
}

func WithConnectionOptions(opts ...ConnectionOption) SessionOption {
	return func(c *sessionConfig) error {
		c.connOpts = append(c.connOpts, opts...)
		return nil
	}
}

// WithStateListener is notified of every connection state transition.
func WithStateListener(fn func(State)) SessionOption {
	return func(c *sessionConfig) error {
		if fn != nil {
			c.stateListeners = append(c.stateListeners, fn)
		}
		return nil
	}
}

// WithTranscriptListener is notified of every transcript mutation.
func WithTranscriptListener(fn func(transcript.Change)) SessionOption {
	return func(c *sessionConfig) error {
		c.transcriptListener = fn
		return nil
	}
}

// Session is one conversation with one room: it owns the connection, the
// transcript and the receipt bookkeeping. The presentation layer sends
// through SendMessage and reads Transcript and State.
type Session struct {
	conn  *ConnectionManager
	store *transcript.Store
	mode  protocol.ReceiptMode
	newID func() string
	log   zerolog.Logger

	mu         sync.Mutex
	identity   string
	receipts   *ReceiptCoordinator
	dispatcher *Dispatcher
}

func NewSession(dialer Dialer, opts ...SessionOption) (*Session, error) {
	cfg := &sessionConfig{
		logger: log.Logger,
		mode:   protocol.ReceiptByMessage,
		newID:  NewMessageID,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	var storeOpts []transcript.Option
	if cfg.transcriptListener != nil {
		storeOpts = append(storeOpts, transcript.WithChangeListener(cfg.transcriptListener))
	}

	connOpts := append([]ConnectionOption{WithLogger(cfg.logger)}, cfg.connOpts...)
	conn, err := NewConnectionManager(dialer, connOpts...)
	if err != nil {
		return nil, err
	}
	for _, l := range cfg.stateListeners {
		conn.OnStateChange(l)
	}

	s := &Session{
		conn:  conn,
		store: transcript.New(storeOpts...),
		mode:  cfg.mode,
		newID: cfg.newID,
		log:   cfg.logger,
	}
	conn.OnEnvelope(EnvelopeHandlerFunc(s.handleEnvelope))
	conn.OnOpen(s.reflush)
	return s, nil
}

// Open connects to roomID as displayName. Connecting continues in the
// background; see State and WaitForState.
func (s *Session) Open(ctx context.Context, roomID, displayName string) (State, error) {
	if ctx == nil {
		return s.conn.State(), errors.New("session: ctx is nil")
	}
	target := Target{RoomID: strings.TrimSpace(roomID), DisplayName: strings.TrimSpace(displayName)}
	if err := target.Validate(); err != nil {
		return s.conn.State(), err
	}

	s.mu.Lock()
	if s.receipts != nil {
		s.mu.Unlock()
		return s.conn.State(), ErrAlreadyOpen
	}
	logger := s.log.With().Str("component", "roomchat").Str("room_id", target.RoomID).Str("display_name", target.DisplayName).Logger()
	s.identity = target.DisplayName
	s.receipts = NewReceiptCoordinator(target.DisplayName, s.mode, s.store, s.conn, logger)
	s.dispatcher = NewDispatcher(target.DisplayName, s.store, s.receipts, logger)
	s.mu.Unlock()

	st, err := s.conn.Open(ctx, target)
	if err != nil {
		// leave the session unopened so Open can be retried
		s.mu.Lock()
		s.identity, s.receipts, s.dispatcher = "", nil, nil
		s.mu.Unlock()
	}
	return st, err
}

func (s *Session) handleEnvelope(ctx context.Context, env protocol.Envelope) {
	s.mu.Lock()
	dispatcher := s.dispatcher
	s.mu.Unlock()
	if dispatcher != nil {
		dispatcher.HandleEnvelope(ctx, env)
	}
}

func (s *Session) reflush(ctx context.Context) {
	s.mu.Lock()
	receipts := s.receipts
	s.mu.Unlock()
	if receipts != nil {
		receipts.Reflush(ctx)
	}
}

// SendMessage publishes text as a new message authored by the local identity
// and appends it to the transcript. Blank text is ignored with
// ErrEmptyMessage. When the connection is not open nothing is sent or stored.
func (s *Session) SendMessage(text string) (transcript.Message, error) {
	if strings.TrimSpace(text) == "" {
		return transcript.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	identity, receipts := s.identity, s.receipts
	s.mu.Unlock()
	if receipts == nil {
		return transcript.Message{}, ErrNotOpened
	}

	m := transcript.Message{ID: s.newID(), Author: identity, Body: text}
	receipts.TrackAuthored(m.ID)
	if err := s.conn.Send(protocol.UserMessage{MessageID: m.ID, Author: m.Author, Body: m.Body}); err != nil {
		receipts.Forget(m.ID)
		return transcript.Message{}, err
	}
	if _, err := s.store.Append(m); err != nil {
		return transcript.Message{}, err
	}
	return m, nil
}

// Transcript returns the messages as of the call.
func (s *Session) Transcript() iter.Seq[transcript.Message] {
	return s.store.Snapshot()
}

func (s *Session) Message(id string) (transcript.Message, bool) {
	return s.store.Get(id)
}

func (s *Session) Len() int { return s.store.Len() }

func (s *Session) State() State { return s.conn.State() }

// Err explains the last StateDisconnected transition.
func (s *Session) Err() error { return s.conn.Err() }

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) RoomID() string { return s.conn.Target().RoomID }

func (s *Session) ReceiptState(messageID string) (ReceiptState, bool) {
	s.mu.Lock()
	receipts := s.receipts
	s.mu.Unlock()
	if receipts == nil {
		return "", false
	}
	return receipts.State(messageID)
}

func (s *Session) WaitForState(ctx context.Context, states ...State) (State, error) {
	return s.conn.WaitForState(ctx, states...)
}

func (s *Session) Reconnect() error { return s.conn.Reconnect() }

func (s *Session) Close() error { return s.conn.Close() }

// Done is closed after Close once every connection goroutine exited.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }
