package transports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/errorsx"
	"github.com/harunnryd/earshot/pkg/frames"
	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/metrics"
)

const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectInterval    = 2 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
)

type StreamConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ConnectTimeout       time.Duration
	// FinishWait bounds how long Close waits for trailing results after the
	// finish message. Zero closes immediately.
	FinishWait time.Duration
	QueueCap   int
	Options    stt.SessionOptions
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectInterval < 0 {
		c.ReconnectInterval = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	return c
}

// StreamHooks receive session events. They run on transport goroutines,
// never with the session lock held.
type StreamHooks struct {
	OnResult func(stt.Result)
	// OnError reports a vendor error on a live connection; the connection
	// stays up.
	OnError func(error)
	// OnReconnecting fires before each reconnect attempt, starting at 1.
	OnReconnecting func(attempt int)
	OnReconnected  func()
	// OnLost fires once when the connection is gone for good.
	OnLost func(error)
}

type conn struct {
	sock Socket
	gen  uint64
	done chan struct{}
}

// StreamSession owns one websocket for a recognition attempt and keeps it
// alive across drops with a bounded number of redials.
type StreamSession struct {
	caps  stt.Capabilities
	dial  Dialer
	cfg   StreamConfig
	hooks StreamHooks
	log   *slog.Logger
	obs   metrics.Observer
	tags  map[string]string

	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    ConnectionState
	conn     *conn
	gen      uint64
	attempts int
	timer    *time.Timer
	closing  bool
	queue    *OutboundQueue
}

func NewStreamSession(caps stt.Capabilities, dialer Dialer, cfg StreamConfig, hooks StreamHooks, log *slog.Logger, obs metrics.Observer) *StreamSession {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	cfg = cfg.withDefaults()
	life, cancel := context.WithCancel(context.Background())
	return &StreamSession{
		caps:   caps,
		dial:   dialer,
		cfg:    cfg,
		hooks:  hooks,
		log:    logging.NewComponentLogger(log, "transport_stream"),
		obs:    obs,
		tags:   metrics.WithTags(nil, metrics.TagSessionID, cfg.Options.SessionID, metrics.TagProvider, caps.Name(), metrics.TagTransport, string(ModeWebSocket)),
		life:   life,
		cancel: cancel,
		queue:  NewOutboundQueue(cfg.QueueCap),
	}
}

func (s *StreamSession) Mode() Mode { return ModeWebSocket }

func (s *StreamSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts is the number of redials since the last successful open.
func (s *StreamSession) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect dials, sends the handshake and flushes frames queued meanwhile.
// It blocks until the socket is open, the connect timeout elapses, ctx is
// done or the session is aborted.
func (s *StreamSession) Connect(ctx context.Context) error {
	if !s.caps.SupportsStreaming() || s.dial == nil {
		return errorsx.New(errorsx.ReasonNotSupported, "%s: streaming not supported", s.caps.Name())
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateConnecting
	s.mu.Unlock()

	start := time.Now()
	sock, err := s.open(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateClosed
		}
		s.mu.Unlock()
		s.queue.Reset()
		s.log.Warn("stt_connect_failed", slog.String("provider", s.caps.Name()), slog.String("error", err.Error()))
		metrics.Record(s.obs, metrics.EventConnectFailed, 1, metrics.WithTags(s.tags, metrics.TagReason, string(errorsx.Reason(err))), nil)
		return err
	}
	if !s.attach(sock) {
		_ = sock.Close(false)
		return ErrAborted
	}
	s.log.Info("stt_connected", slog.String("provider", s.caps.Name()), slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	metrics.Record(s.obs, metrics.EventConnect, 1, s.tags, map[string]any{metrics.FieldLatencyMS: time.Since(start).Milliseconds()})
	return nil
}

// open dials and performs the handshake within the connect timeout.
func (s *StreamSession) open(ctx context.Context) (Socket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dctx, cancel := context.WithTimeout(s.life, s.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	url, err := s.caps.URL.ConnectURL(dctx, s.cfg.Options)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("%s: connect url: %w", s.caps.Name(), err), errorsx.ReasonAdapter)
	}
	hello, err := s.caps.HandshakeFor(s.cfg.Options)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("%s: handshake: %w", s.caps.Name(), err), errorsx.ReasonAdapter)
	}
	sock, err := s.dial.Dial(dctx, url, s.caps.ConnectHeader(s.cfg.Options))
	if err != nil {
		if s.life.Err() != nil {
			return nil, ErrAborted
		}
		return nil, errorsx.Wrap(fmt.Errorf("%s: dial: %w", s.caps.Name(), err), errorsx.ReasonNetwork)
	}
	if hello != nil {
		if err := sock.Send(dctx, *hello); err != nil {
			_ = sock.Close(false)
			return nil, errorsx.Wrap(fmt.Errorf("%s: send handshake: %w", s.caps.Name(), err), errorsx.ReasonNetwork)
		}
	}
	return sock, nil
}

// attach installs sock as the live connection, drains the queue into it and
// starts its reader. It reports false when the session closed meanwhile.
func (s *StreamSession) attach(sock Socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.gen++
	c := &conn{sock: sock, gen: s.gen, done: make(chan struct{})}
	s.conn = c
	s.state = StateOpen
	pending := s.queue.Drain()
	for i, f := range pending {
		err := s.writeLocked(c, f)
		if err == nil || errors.Is(err, errFrameRejected) {
			continue
		}
		s.sendFailedLocked(c, f, err)
		for _, rest := range pending[i:] {
			s.enqueueLocked(rest)
		}
		break
	}
	if s.state == StateOpen {
		s.attempts = 0
	}
	go s.readLoop(c)
	return true
}

// SendFrame writes f when open, queues it while connecting and drops it
// otherwise.
func (s *StreamSession) SendFrame(f frames.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen:
		err := s.writeLocked(s.conn, f)
		switch {
		case err == nil:
			return true
		case errors.Is(err, errFrameRejected):
			return false
		}
		s.sendFailedLocked(s.conn, f, err)
		return s.enqueueLocked(f)
	case StateConnecting:
		return s.enqueueLocked(f)
	default:
		metrics.Record(s.obs, metrics.EventFrameDropped, 1, metrics.WithTags(s.tags, metrics.TagState, s.state.String()), nil)
		return false
	}
}

func (s *StreamSession) enqueueLocked(f frames.AudioFrame) bool {
	if s.queue.Push(f) {
		metrics.Record(s.obs, metrics.EventFrameQueued, 1, s.tags, nil)
		return true
	}
	metrics.Record(s.obs, metrics.EventFrameDropped, 1, metrics.WithTags(s.tags, metrics.TagState, s.state.String()), nil)
	return false
}

var errFrameRejected = errors.New("transports: frame rejected by adapter")

// writeLocked sends f on c. A frame the adapter cannot encode is dropped,
// counted and reported as errFrameRejected; any other error comes from the
// socket.
func (s *StreamSession) writeLocked(c *conn, f frames.AudioFrame) error {
	buf := frames.AcquirePCMBuf(f.Len() * 2)
	buf = f.AppendPCM(buf)
	msg, err := s.caps.Outbound(buf)
	frames.ReleasePCMBuf(buf)
	if err != nil {
		s.log.Warn("stt_frame_rejected", slog.String("provider", s.caps.Name()), slog.Uint64("seq", f.Seq()), slog.String("error", err.Error()))
		metrics.Record(s.obs, metrics.EventFrameDropped, 1, metrics.WithTags(s.tags, metrics.TagReason, string(errorsx.ReasonAdapter)), nil)
		return fmt.Errorf("%w: %v", errFrameRejected, err)
	}
	if err := c.sock.Send(s.life, msg); err != nil {
		return err
	}
	metrics.Record(s.obs, metrics.EventFrameSent, 1, s.tags, nil)
	return nil
}

// sendFailedLocked takes c out of the open state after a socket write
// failure. Closing the socket wakes the reader, which schedules the redial;
// frames queue until then.
func (s *StreamSession) sendFailedLocked(c *conn, f frames.AudioFrame, err error) {
	s.log.Debug("stt_frame_send_failed", slog.Uint64("seq", f.Seq()), slog.String("error", err.Error()))
	s.state = StateConnecting
	_ = c.sock.Close(false)
}

func (s *StreamSession) readLoop(c *conn) {
	defer close(c.done)
	for {
		msg, err := c.sock.Receive(s.life)
		if err != nil {
			s.dropped(c, err)
			return
		}
		res, err := s.caps.Parse.ParseInboundMessage(msg)
		switch {
		case errors.Is(err, stt.ErrMalformed):
			s.log.Debug("stt_inbound_malformed", slog.String("provider", s.caps.Name()), slog.String("error", err.Error()))
			metrics.Record(s.obs, metrics.EventMalformed, 1, s.tags, nil)
		case err != nil:
			err = errorsx.Wrap(err, errorsx.ReasonAdapter)
			s.log.Warn("stt_vendor_error", slog.String("provider", s.caps.Name()), slog.String("error", err.Error()))
			if s.hooks.OnError != nil {
				s.hooks.OnError(err)
			}
		case res != nil:
			if s.hooks.OnResult != nil {
				s.hooks.OnResult(*res)
			}
		}
	}
}

// dropped handles the end of connection c. Closes of superseded
// connections and closes the session asked for are ignored.
func (s *StreamSession) dropped(c *conn, cause error) {
	s.mu.Lock()
	if s.closing || s.conn != c || s.gen != c.gen {
		s.mu.Unlock()
		return
	}
	_ = c.sock.Close(false)
	s.conn = nil
	s.log.Warn("stt_connection_dropped", slog.String("provider", s.caps.Name()), slog.String("error", cause.Error()))
	s.retryLocked(cause)
}

// retryLocked schedules the next redial or gives up. It releases s.mu.
func (s *StreamSession) retryLocked(cause error) {
	if !s.cfg.AutoReconnect || s.attempts >= s.cfg.MaxReconnectAttempts {
		attempts := s.attempts
		s.state = StateClosed
		s.mu.Unlock()
		s.queue.Reset()
		err := errorsx.Wrap(fmt.Errorf("%s: connection lost after %d reconnect attempts: %w", s.caps.Name(), attempts, cause), errorsx.ReasonNetwork)
		if s.hooks.OnLost != nil {
			s.hooks.OnLost(err)
		}
		return
	}
	s.attempts++
	attempt := s.attempts
	s.state = StateConnecting
	s.timer = time.AfterFunc(s.cfg.ReconnectInterval, func() { s.redial(attempt) })
	s.mu.Unlock()

	s.log.Info("stt_reconnecting", slog.Int("attempt", attempt), slog.Int("max_attempts", s.cfg.MaxReconnectAttempts))
	metrics.Record(s.obs, metrics.EventReconnect, float64(attempt), metrics.WithTags(s.tags, "attempt", strconv.Itoa(attempt)), nil)
	if s.hooks.OnReconnecting != nil {
		s.hooks.OnReconnecting(attempt)
	}
}

func (s *StreamSession) redial(attempt int) {
	s.mu.Lock()
	if s.closing || s.state != StateConnecting || s.attempts != attempt {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	sock, err := s.open(s.life)
	if err != nil {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		metrics.Record(s.obs, metrics.EventConnectFailed, 1, metrics.WithTags(s.tags, metrics.TagReason, string(errorsx.Reason(err))), nil)
		s.retryLocked(err)
		return
	}
	if !s.attach(sock) {
		_ = sock.Close(false)
		return
	}
	s.log.Info("stt_reconnected", slog.Int("attempt", attempt))
	metrics.Record(s.obs, metrics.EventConnect, 1, metrics.WithTags(s.tags, "attempt", strconv.Itoa(attempt)), nil)
	if s.hooks.OnReconnected != nil {
		s.hooks.OnReconnected()
	}
}

// Close ends the stream: it sends the finish marker, waits up to FinishWait
// for the vendor to flush trailing results and closes the socket. No
// reconnect happens afterwards. Hooks must not call Close synchronously.
func (s *StreamSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.stopTimerLocked()
	c := s.conn
	var finishErr error
	if c != nil && s.state == StateOpen && s.caps.Finish != nil {
		if msg := s.caps.Finish.FinishMessage(); msg != nil {
			finishErr = c.sock.Send(s.life, *msg)
		}
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.queue.Reset()

	if c != nil {
		if finishErr == nil && s.cfg.FinishWait > 0 {
			if ctx == nil {
				ctx = context.Background()
			}
			wait := time.NewTimer(s.cfg.FinishWait)
			select {
			case <-c.done:
			case <-wait.C:
			case <-ctx.Done():
			}
			wait.Stop()
		}
		_ = c.sock.Close(true)
	}
	s.cancel()
	return finishErr
}

// Abort tears the stream down at once: no finish marker, queued frames are
// discarded and pending redials are cancelled.
func (s *StreamSession) Abort() {
	s.cancel()
	s.mu.Lock()
	s.closing = true
	s.stopTimerLocked()
	c := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()
	s.queue.Reset()
	if c != nil {
		_ = c.sock.Close(false)
	}
}

func (s *StreamSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

var _ Transport = (*StreamSession)(nil)
