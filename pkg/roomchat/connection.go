package roomchat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomchat/pkg/protocol"
)

const defaultSendBuffer = 256

// EnvelopeHandler consumes inbound envelopes. It is called from a single
// goroutine, one envelope at a time.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env protocol.Envelope)
}

type EnvelopeHandlerFunc func(ctx context.Context, env protocol.Envelope)

func (f EnvelopeHandlerFunc) HandleEnvelope(ctx context.Context, env protocol.Envelope) {
	f(ctx, env)
}

type ConnectionOption func(*ConnectionManager)

func WithLogger(logger zerolog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.log = logger
	}
}

func WithReconnectPolicy(p ReconnectPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = p.withDefaults()
	}
}

// WithSendBuffer sets how many outbound frames may wait for the writer of one
// connection before Send starts dropping.
func WithSendBuffer(n int) ConnectionOption {
	return func(cm *ConnectionManager) {
		if n > 0 {
			cm.sendBuffer = n
		}
	}
}

// ConnectionManager owns the lifecycle of the streaming connection to one
// room/identity pair. At most one connection is live at any time: a new dial
// only happens after the previous connection was closed.
type ConnectionManager struct {
	dialer     Dialer
	policy     ReconnectPolicy
	sendBuffer int
	log        zerolog.Logger
	queue      *inboundQueue

	mu             sync.Mutex
	target         Target
	state          State
	err            error
	changed        chan struct{}
	handler        EnvelopeHandler
	openHooks      []func(context.Context)
	stateListeners []func(State)

	conn       Conn
	out        chan []byte
	stop       chan struct{}
	generation uint64

	// deliverMu is held while an envelope or open hook runs, so Close can
	// wait out a delivery already in progress.
	deliverMu sync.Mutex

	opened  bool
	closed  bool
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	redial  chan struct{}
	wg      sync.WaitGroup
	done    chan struct{}
}

func NewConnectionManager(dialer Dialer, opts ...ConnectionOption) (*ConnectionManager, error) {
	if dialer == nil {
		return nil, errors.New("connection manager: dialer is nil")
	}
	cm := &ConnectionManager{
		dialer:     dialer,
		policy:     DefaultReconnectPolicy(),
		sendBuffer: defaultSendBuffer,
		log:        log.Logger,
		state:      StateIdle,
		changed:    make(chan struct{}),
		redial:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.log = cm.log.With().Str("component", "roomchat").Logger()
	cm.queue = newInboundQueue(cm.log)
	return cm, nil
}

// OnEnvelope installs the single inbound consumer, detaching any previous one.
func (cm *ConnectionManager) OnEnvelope(h EnvelopeHandler) {
	cm.mu.Lock()
	cm.handler = h
	cm.mu.Unlock()
}

// OnOpen registers a hook run on the consumer goroutine each time a
// connection opens, before any frame received on that connection.
func (cm *ConnectionManager) OnOpen(hook func(context.Context)) {
	if hook == nil {
		return
	}
	cm.mu.Lock()
	cm.openHooks = append(cm.openHooks, hook)
	cm.mu.Unlock()
}

// OnStateChange registers a listener called after every state transition.
func (cm *ConnectionManager) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	cm.mu.Lock()
	cm.stateListeners = append(cm.stateListeners, fn)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Err returns the error behind the last StateDisconnected transition.
func (cm *ConnectionManager) Err() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.err
}

func (cm *ConnectionManager) Target() Target {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.target
}

// Done is closed once Close was called and every connection goroutine exited.
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.done
}

// Open starts connecting to target and returns immediately with
// StateConnecting. Cancelling ctx closes the manager.
func (cm *ConnectionManager) Open(ctx context.Context, target Target) (State, error) {
	if ctx == nil {
		return cm.State(), errors.New("connection manager: ctx is nil")
	}
	if err := target.Validate(); err != nil {
		return cm.State(), err
	}
	target.RoomID = strings.TrimSpace(target.RoomID)
	target.DisplayName = strings.TrimSpace(target.DisplayName)

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return StateClosed, ErrClosed
	}
	if cm.opened {
		s := cm.state
		cm.mu.Unlock()
		return s, ErrAlreadyOpen
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, err := cm.queue.subscribe(runCtx)
	if err != nil {
		cancel()
		cm.mu.Unlock()
		return StateIdle, errors.Wrap(err, "subscribe inbound queue")
	}
	cm.opened = true
	cm.target = target
	cm.ctx = runCtx
	cm.cancel = cancel
	cm.log = cm.log.With().Str("room_id", target.RoomID).Str("display_name", target.DisplayName).Logger()
	cm.running = true
	notify := cm.setStateLocked(StateConnecting, nil)
	cm.wg.Add(1)
	cm.mu.Unlock()

	notify()
	go cm.consume(runCtx, ch)
	go cm.supervise(runCtx, cm.policy.newRetrier())
	go func() {
		<-runCtx.Done()
		_ = cm.Close()
	}()
	return StateConnecting, nil
}

// Send hands env to the writer of the live connection. It never blocks: it
// fails with ErrNotConnected unless the state is open and with
// ErrSendBufferFull when the writer is backed up. Delivery is at most once.
func (cm *ConnectionManager) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed || cm.state != StateOpen || cm.out == nil {
		return ErrNotConnected
	}
	select {
	case cm.out <- frame:
		return nil
	default:
		cm.log.Warn().Str("type", string(env.EnvelopeType())).Msg("send buffer full, dropping envelope")
		return ErrSendBufferFull
	}
}

// SendWait is Send for frames that must not be dropped: it waits for room in
// the writer's buffer instead of failing with ErrSendBufferFull. It fails with
// ErrNotConnected when the connection it queued on goes away first.
func (cm *ConnectionManager) SendWait(ctx context.Context, env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	if cm.closed || cm.state != StateOpen || cm.out == nil {
		cm.mu.Unlock()
		return ErrNotConnected
	}
	out, stop := cm.out, cm.stop
	cm.mu.Unlock()

	select {
	case out <- frame:
		return nil
	case <-stop:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect drops the live connection and redials right away, or restarts
// connecting after the manager gave up.
func (cm *ConnectionManager) Reconnect() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	if !cm.opened {
		cm.mu.Unlock()
		return ErrNotOpened
	}
	if cm.running {
		conn := cm.conn
		select {
		case cm.redial <- struct{}{}:
		default:
		}
		cm.mu.Unlock()
		if conn != nil {
			cm.log.Info().Msg("reconnect requested, dropping live connection")
			_ = conn.Close()
		}
		return nil
	}

	cm.running = true
	notify := cm.setStateLocked(StateReconnecting, nil)
	cm.wg.Add(1)
	ctx := cm.ctx
	cm.mu.Unlock()

	notify()
	cm.log.Info().Msg("reconnect requested, restarting")
	go cm.supervise(ctx, cm.policy.newRetrier())
	return nil
}

// Close terminates the connection and stops envelope delivery: no handler or
// open hook runs once it returns. It is idempotent and does not wait for the
// connection goroutines; see Done. Handlers and open hooks must not call
// Close themselves except from a new goroutine.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	notify := cm.setStateLocked(StateClosed, nil)
	cm.closed = true
	conn, stop := cm.conn, cm.stop
	cm.conn, cm.out, cm.stop = nil, nil, nil
	if stop != nil {
		close(stop)
	}
	cancel := cm.cancel
	cm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	// a delivery that passed its closed check finishes before Close returns
	cm.deliverMu.Lock() //nolint:staticcheck // empty critical section
	cm.deliverMu.Unlock()
	err := cm.queue.Close()
	go func() {
		cm.wg.Wait()
		close(cm.done)
	}()
	notify()
	cm.log.Debug().Msg("connection manager closed")
	return err
}

// WaitForState blocks until the state is one of states, the manager is
// closed, or ctx ends.
func (cm *ConnectionManager) WaitForState(ctx context.Context, states ...State) (State, error) {
	for {
		cm.mu.Lock()
		s, ch := cm.state, cm.changed
		cm.mu.Unlock()
		if slices.Contains(states, s) {
			return s, nil
		}
		if s == StateClosed {
			return s, ErrClosed
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// setStateLocked records a transition and returns the listener fan-out to run
// once the lock is released. A closed manager accepts no other state.
func (cm *ConnectionManager) setStateLocked(s State, err error) func() {
	if cm.closed || cm.state == s {
		return func() {}
	}
	cm.state = s
	switch {
	case err != nil:
		cm.err = err
	case s == StateOpen:
		cm.err = nil
	}
	close(cm.changed)
	cm.changed = make(chan struct{})
	listeners := slices.Clone(cm.stateListeners)
	cm.log.Debug().Str("state", string(s)).Msg("connection state changed")
	return func() {
		for _, l := range listeners {
			l(s)
		}
	}
}

func (cm *ConnectionManager) transition(s State, err error) {
	cm.mu.Lock()
	notify := cm.setStateLocked(s, err)
	cm.mu.Unlock()
	notify()
}

// supervise dials, serves and redials until ctx ends or the retry budget is spent.
func (cm *ConnectionManager) supervise(ctx context.Context, r *retrier) {
	defer cm.wg.Done()
	target := cm.Target()

	for {
		if err := r.waitDial(ctx); err != nil {
			cm.stopRunning()
			return
		}
		conn, err := cm.dialer.Dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				cm.stopRunning()
				return
			}
			if errors.Is(err, ErrUnknownRoom) || errors.Is(err, ErrInvalidTarget) {
				cm.log.Error().Err(err).Msg("room rejected")
				cm.giveUp(err)
				return
			}
			delay, ok := r.next()
			if !ok {
				cm.log.Error().Err(err).Msg("reconnect attempts exhausted")
				cm.giveUp(errors.Wrapf(ErrRetriesExhausted, "last error: %v", err))
				return
			}
			cm.log.Warn().Err(err).Dur("retry_in", delay).Msg("dial failed")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				cm.stopRunning()
				return
			case <-cm.redial:
				timer.Stop()
				r.reset()
			case <-timer.C:
			}
			continue
		}

		r.reset()
		gen, ok := cm.attach(conn)
		if !ok {
			_ = conn.Close()
			cm.stopRunning()
			return
		}
		cm.log.Info().Uint64("generation", gen).Msg("connection open")

		var readErr error
		if err := cm.queue.publishOpened(gen); err != nil {
			readErr = errors.Wrap(err, "publish open marker")
		} else {
			readErr = cm.readLoop(gen, conn)
		}
		cm.detach(conn)
		if ctx.Err() != nil {
			cm.stopRunning()
			return
		}
		cm.log.Warn().Err(readErr).Uint64("generation", gen).Msg("connection lost, reconnecting")
	}
}

func (cm *ConnectionManager) stopRunning() {
	cm.mu.Lock()
	cm.running = false
	cm.mu.Unlock()
}

func (cm *ConnectionManager) giveUp(err error) {
	cm.mu.Lock()
	cm.running = false
	notify := cm.setStateLocked(StateDisconnected, err)
	cm.mu.Unlock()
	notify()
}

func (cm *ConnectionManager) attach(conn Conn) (uint64, bool) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return 0, false
	}
	select {
	case <-cm.redial:
	default:
	}
	cm.generation++
	gen := cm.generation
	out := make(chan []byte, cm.sendBuffer)
	stop := make(chan struct{})
	cm.conn = conn
	cm.out = out
	cm.stop = stop
	notify := cm.setStateLocked(StateOpen, nil)
	cm.wg.Add(1)
	cm.mu.Unlock()

	go cm.writeLoop(gen, conn, out, stop)
	notify()
	return gen, true
}

func (cm *ConnectionManager) detach(conn Conn) {
	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
		cm.out = nil
		if cm.stop != nil {
			close(cm.stop)
			cm.stop = nil
		}
	}
	notify := cm.setStateLocked(StateReconnecting, nil)
	cm.mu.Unlock()

	_ = conn.Close()
	notify()
}

func (cm *ConnectionManager) readLoop(gen uint64, conn Conn) error {
	for {
		frame, err := conn.Read()
		if err != nil {
			return err
		}
		if err := cm.queue.publishFrame(gen, frame); err != nil {
			return errors.Wrap(err, "publish inbound frame")
		}
	}
}

// writeLoop writes queued frames until stop is closed. Frames still queued
// at that point are dropped with the connection.
func (cm *ConnectionManager) writeLoop(gen uint64, conn Conn, out <-chan []byte, stop <-chan struct{}) {
	defer cm.wg.Done()
	for {
		select {
		case <-stop:
			return
		case frame := <-out:
			if err := conn.Write(frame); err != nil {
				cm.log.Warn().Err(err).Uint64("generation", gen).Msg("write failed, dropping connection")
				_ = conn.Close()
				return
			}
		}
	}
}

func (cm *ConnectionManager) consume(ctx context.Context, ch <-chan *message.Message) {
	for msg := range ch {
		cm.deliver(ctx, msg)
		msg.Ack()
	}
	cm.log.Debug().Msg("inbound consumer stopped")
}

func (cm *ConnectionManager) deliver(ctx context.Context, msg *message.Message) {
	cm.deliverMu.Lock()
	defer cm.deliverMu.Unlock()

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	handler := cm.handler
	hooks := slices.Clone(cm.openHooks)
	current := cm.generation
	cm.mu.Unlock()

	gen := generationOf(msg)
	if gen != current {
		cm.log.Debug().Uint64("generation", gen).Uint64("current", current).Msg("dropping item from stale connection")
		return
	}

	switch msg.Metadata.Get(metaKind) {
	case kindOpened:
		for _, hook := range hooks {
			hook(ctx)
		}
	case kindFrame:
		env, err := protocol.Decode(msg.Payload)
		if err != nil {
			cm.log.Warn().Err(err).Int("bytes", len(msg.Payload)).Msg("dropping malformed envelope")
			return
		}
		if handler == nil {
			cm.log.Debug().Str("type", string(env.EnvelopeType())).Msg("no envelope handler, dropping")
			return
		}
		handler.HandleEnvelope(ctx, env)
	}
}
