package transports_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/errorsx"
	"github.com/harunnryd/earshot/pkg/frames"
	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/metrics"
	mockstt "github.com/harunnryd/earshot/pkg/providers/mock"
	"github.com/harunnryd/earshot/pkg/transports"
	"github.com/harunnryd/earshot/pkg/transports/mock"
)

const wait = 2 * time.Second

type recorder struct {
	mu           sync.Mutex
	results      []stt.Result
	errs         []error
	reconnecting []int
	reconnected  int
	lost         chan error
}

func newRecorder() *recorder {
	return &recorder{lost: make(chan error, 1)}
}

func (r *recorder) hooks() transports.StreamHooks {
	return transports.StreamHooks{
		OnResult: func(res stt.Result) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnReconnecting: func(n int) {
			r.mu.Lock()
			r.reconnecting = append(r.reconnecting, n)
			r.mu.Unlock()
		},
		OnReconnected: func() {
			r.mu.Lock()
			r.reconnected++
			r.mu.Unlock()
		},
		OnLost: func(err error) { r.lost <- err },
	}
}

func (r *recorder) snapshot() ([]stt.Result, []error, []int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.Result(nil), r.results...), append([]error(nil), r.errs...), append([]int(nil), r.reconnecting...), r.reconnected
}

func frame(seq int) frames.AudioFrame {
	return frames.NewAudioFrame(uint64(seq), []int16{int16(seq), 0}, 16000, 1, false)
}

func firstSample(t *testing.T, msg stt.Message) int {
	t.Helper()
	if msg.Type != stt.MessageBinary || len(msg.Data) < 2 {
		t.Fatalf("expected binary pcm frame, got %s", msg)
	}
	return int(int16(binary.LittleEndian.Uint16(msg.Data)))
}

func newSession(d transports.Dialer, cfg transports.StreamConfig, r *recorder, obs metrics.Observer) *transports.StreamSession {
	cfg.Options = stt.SessionOptions{SessionID: "s1", Lang: "en-US", SampleRate: 16000, InterimResults: true}
	return transports.NewStreamSession(stt.Resolve(mockstt.Streaming{}), d, cfg, r.hooks(), logging.Discard(), obs)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", wait)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConnectSendsHandshakeAndDeliversResults(t *testing.T) {
	d := mock.NewDialer()
	r := newRecorder()
	obs := metrics.NewMemoryObserver()
	s := newSession(d, transports.StreamConfig{}, r, obs)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Abort()
	if s.State() != transports.StateOpen {
		t.Fatalf("expected open, got %s", s.State())
	}
	c, ok := d.Next(wait)
	if !ok {
		t.Fatalf("no connection")
	}
	if !c.WaitSent(1, wait) || c.Sent()[0].Type != stt.MessageText {
		t.Fatalf("expected handshake text message, got %v", c.Sent())
	}

	c.Push(stt.TextMessage(`{"type":"ping"}`))
	c.Push(stt.TextMessage(`garbage`))
	c.Push(mockstt.ErrorMessage("quota"))
	c.Push(mockstt.ResultMessage("hel", 0.4, false))
	c.Push(mockstt.ResultMessage("hello", 0.9, true))

	eventually(t, func() bool {
		res, _, _, _ := r.snapshot()
		return len(res) == 2
	})
	res, errs, _, _ := r.snapshot()
	if res[0].Transcript != "hel" || res[0].IsFinal || res[1].Transcript != "hello" || !res[1].IsFinal {
		t.Fatalf("results out of order: %+v", res)
	}
	if len(errs) != 1 || !errorsx.HasReason(errs[0], errorsx.ReasonAdapter) {
		t.Fatalf("expected one adapter error, got %v", errs)
	}
	if obs.Count(metrics.EventMalformed) != 1 {
		t.Fatalf("expected malformed message counted once, got %d", obs.Count(metrics.EventMalformed))
	}
	if s.State() != transports.StateOpen {
		t.Fatalf("vendor error must not close the connection")
	}
}

func TestQueueCapWhileConnecting(t *testing.T) {
	d := mock.NewDialer()
	d.Hold()
	r := newRecorder()
	obs := metrics.NewMemoryObserver()
	s := newSession(d, transports.StreamConfig{QueueCap: 50}, r, obs)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	eventually(t, func() bool { return d.Dials() == 1 })

	kept := 0
	for i := 0; i < 60; i++ {
		if s.SendFrame(frame(i)) {
			kept++
		}
	}
	if kept != 50 {
		t.Fatalf("expected 50 frames kept, got %d", kept)
	}
	if obs.Count(metrics.EventFrameDropped) != 10 {
		t.Fatalf("expected 10 drops recorded, got %d", obs.Count(metrics.EventFrameDropped))
	}

	d.Release()
	if err := <-errCh; err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Abort()
	c, _ := d.Next(wait)
	if !c.WaitSent(51, wait) {
		t.Fatalf("expected handshake plus 50 frames, got %d", len(c.Sent()))
	}
	sent := c.Sent()
	if len(sent) != 51 {
		t.Fatalf("expected exactly 51 messages, got %d", len(sent))
	}
	for i, msg := range sent[1:] {
		if got := firstSample(t, msg); got != i {
			t.Fatalf("frame %d out of order: got seq %d", i, got)
		}
	}
}

func TestReconnectBoundThenNetworkError(t *testing.T) {
	d := mock.NewDialer()
	r := newRecorder()
	s := newSession(d, transports.StreamConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectInterval:    time.Millisecond,
	}, r, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Abort()
	c, _ := d.Next(wait)

	d.FailAlways(errors.New("refused"))
	c.Drop()

	var lost error
	select {
	case lost = <-r.lost:
	case <-time.After(wait):
		t.Fatalf("connection never reported lost")
	}
	if !errorsx.HasReason(lost, errorsx.ReasonNetwork) {
		t.Fatalf("expected NETWORK, got %v", lost)
	}
	if got := d.Dials(); got != 4 {
		t.Fatalf("expected 1 dial plus 3 reconnects, got %d", got)
	}
	_, _, attempts, _ := r.snapshot()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("unexpected reconnect attempts %v", attempts)
	}
	if s.State() != transports.StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if s.SendFrame(frame(1)) {
		t.Fatalf("frames after loss must be dropped")
	}
}

func TestReconnectSuccessResetsAttemptsAndFlushesQueue(t *testing.T) {
	d := mock.NewDialer()
	r := newRecorder()
	s := newSession(d, transports.StreamConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectInterval:    20 * time.Millisecond,
	}, r, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Abort()
	first, _ := d.Next(wait)

	d.FailNext(errors.New("blip"))
	first.Drop()
	eventually(t, func() bool { return s.State() == transports.StateConnecting })
	for i := 0; i < 3; i++ {
		s.SendFrame(frame(i))
	}

	second, ok := d.Next(wait)
	if !ok {
		t.Fatalf("no reconnection")
	}
	if !second.WaitSent(4, wait) {
		t.Fatalf("expected handshake plus queued frames, got %d", len(second.Sent()))
	}
	for i, msg := range second.Sent()[1:4] {
		if firstSample(t, msg) != i {
			t.Fatalf("queued frame %d out of order", i)
		}
	}
	eventually(t, func() bool {
		_, _, _, n := r.snapshot()
		return n == 1
	})
	if s.Attempts() != 0 {
		t.Fatalf("expected attempts reset, got %d", s.Attempts())
	}
	if d.Dials() != 3 {
		t.Fatalf("expected 3 dials, got %d", d.Dials())
	}

	// A late close of the superseded socket must not trigger another redial.
	first.Drop()
	time.Sleep(50 * time.Millisecond)
	if d.Dials() != 3 || s.State() != transports.StateOpen {
		t.Fatalf("stale close caused a reconnect")
	}
}

func TestCloseSendsFinishAndNeverReconnects(t *testing.T) {
	d := mock.NewDialer()
	r := newRecorder()
	s := newSession(d, transports.StreamConfig{AutoReconnect: true, MaxReconnectAttempts: 3, ReconnectInterval: time.Millisecond}, r, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c, _ := d.Next(wait)
	s.SendFrame(frame(7))
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	sent := c.Sent()
	if last := sent[len(sent)-1]; last.String() != `{"type":"finish"}` {
		t.Fatalf("expected finish message last, got %s", last)
	}
	if !c.Closed() || !c.Graceful() {
		t.Fatalf("expected graceful close")
	}
	time.Sleep(20 * time.Millisecond)
	if d.Dials() != 1 {
		t.Fatalf("close must not reconnect, dials=%d", d.Dials())
	}
	select {
	case err := <-r.lost:
		t.Fatalf("unexpected lost hook: %v", err)
	default:
	}
}

func TestCloseWaitsForTrailingResult(t *testing.T) {
	d := mock.NewDialer()
	r := newRecorder()
	s := newSession(d, transports.StreamConfig{FinishWait: wait}, r, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c, _ := d.Next(wait)
	go func() {
		c.WaitSent(2, wait)
		c.Push(mockstt.ResultMessage("tail", 1, true))
		time.Sleep(10 * time.Millisecond)
		c.Drop()
	}()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	res, _, _, _ := r.snapshot()
	if len(res) != 1 || res[0].Transcript != "tail" {
		t.Fatalf("expected trailing result, got %+v", res)
	}
}

func TestAbortCancelsPendingReconnect(t *testing.T) {
	d := mock.NewDialer()
	r := newRecorder()
	s := newSession(d, transports.StreamConfig{AutoReconnect: true, MaxReconnectAttempts: 3, ReconnectInterval: 50 * time.Millisecond}, r, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c, _ := d.Next(wait)
	c.Drop()
	eventually(t, func() bool { return s.State() == transports.StateConnecting })
	s.SendFrame(frame(1))
	s.Abort()
	time.Sleep(100 * time.Millisecond)
	if d.Dials() != 1 {
		t.Fatalf("abort must cancel the redial, dials=%d", d.Dials())
	}
	if s.State() != transports.StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
}

func TestConnectTimeout(t *testing.T) {
	d := mock.NewDialer()
	d.Hold()
	defer d.Release()
	s := newSession(d, transports.StreamConfig{ConnectTimeout: 20 * time.Millisecond}, newRecorder(), nil)
	err := s.Connect(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonNetwork) {
		t.Fatalf("expected NETWORK timeout, got %v", err)
	}
	if s.State() != transports.StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
}

func TestAbortDuringConnect(t *testing.T) {
	d := mock.NewDialer()
	d.Hold()
	defer d.Release()
	s := newSession(d, transports.StreamConfig{}, newRecorder(), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	eventually(t, func() bool { return d.Dials() == 1 })
	s.Abort()
	select {
	case err := <-errCh:
		if !errors.Is(err, transports.ErrAborted) {
			t.Fatalf("expected aborted, got %v", err)
		}
	case <-time.After(wait):
		t.Fatalf("connect did not return after abort")
	}
}

func TestConnectRejectsBatchOnlyAdapter(t *testing.T) {
	s := transports.NewStreamSession(stt.Resolve(mockstt.NewBatch("x", 1)), mock.NewDialer(), transports.StreamConfig{}, transports.StreamHooks{}, nil, nil)
	if err := s.Connect(context.Background()); !errorsx.HasReason(err, errorsx.ReasonNotSupported) {
		t.Fatalf("expected NOT_SUPPORTED, got %v", err)
	}
}

func TestOutboundQueue(t *testing.T) {
	q := transports.NewOutboundQueue(0)
	if q.Cap() != transports.DefaultQueueCap {
		t.Fatalf("expected default cap, got %d", q.Cap())
	}
	q = transports.NewOutboundQueue(2)
	if !q.Push(frame(1)) || !q.Push(frame(2)) || q.Push(frame(3)) {
		t.Fatalf("unexpected push results")
	}
	out := q.Drain()
	if len(out) != 2 || out[0].Seq() != 1 || out[1].Seq() != 2 || q.Len() != 0 {
		t.Fatalf("unexpected drain %v", out)
	}
	q.Push(frame(4))
	q.Reset()
	if q.Drain() != nil {
		t.Fatalf("expected empty after reset")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := transports.ParseMode(""); err != nil || m != transports.ModeWebSocket {
		t.Fatalf("expected websocket default, got %q err=%v", m, err)
	}
	if m, err := transports.ParseMode("http"); err != nil || m != transports.ModeHTTP {
		t.Fatalf("expected http, got %q err=%v", m, err)
	}
	if _, err := transports.ParseMode("smoke-signal"); err == nil {
		t.Fatalf("expected error")
	}
}

// pickyStreaming refuses to encode frames whose first sample is 1.
type pickyStreaming struct{ mockstt.Streaming }

func (pickyStreaming) TransformOutboundFrame(pcm []byte) (stt.Message, error) {
	if len(pcm) >= 2 && int16(binary.LittleEndian.Uint16(pcm)) == 1 {
		return stt.Message{}, errors.New("unsupported frame")
	}
	return stt.BinaryMessage(append([]byte(nil), pcm...)), nil
}

func TestRejectedFrameIsDroppedNotQueued(t *testing.T) {
	d := mock.NewDialer()
	obs := metrics.NewMemoryObserver()
	s := transports.NewStreamSession(stt.Resolve(pickyStreaming{}), d, transports.StreamConfig{
		Options: stt.SessionOptions{SessionID: "s1", SampleRate: 16000},
	}, newRecorder().hooks(), logging.Discard(), obs)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Abort()
	c, _ := d.Next(wait)

	if s.SendFrame(frame(1)) {
		t.Fatalf("a frame the adapter rejects must not be reported as kept")
	}
	if !s.SendFrame(frame(2)) || !s.SendFrame(frame(3)) {
		t.Fatalf("frames after a rejected one must still be sent")
	}
	if !c.WaitSent(3, wait) {
		t.Fatalf("expected handshake plus two frames, got %d", len(c.Sent()))
	}
	sent := c.Sent()
	if firstSample(t, sent[1]) != 2 || firstSample(t, sent[2]) != 3 {
		t.Fatalf("unexpected frames on the wire")
	}
	if obs.Count(metrics.EventFrameDropped) != 1 || obs.Count(metrics.EventFrameQueued) != 0 {
		t.Fatalf("expected one drop and nothing queued, dropped=%d queued=%d",
			obs.Count(metrics.EventFrameDropped), obs.Count(metrics.EventFrameQueued))
	}
	if s.State() != transports.StateOpen {
		t.Fatalf("a rejected frame must not affect the connection, got %s", s.State())
	}
}

// brokenDialer hands out a first socket whose writes fail after limit
// successful sends. Later dials pass through.
type brokenDialer struct {
	inner *mock.Dialer
	limit int
	dials atomic.Int32
}

func (b *brokenDialer) Dial(ctx context.Context, url string, header http.Header) (transports.Socket, error) {
	sock, err := b.inner.Dial(ctx, url, header)
	if err != nil || b.dials.Add(1) > 1 {
		return sock, err
	}
	return &brokenSocket{Socket: sock, left: b.limit}, nil
}

type brokenSocket struct {
	transports.Socket
	mu   sync.Mutex
	left int
}

func (b *brokenSocket) Send(ctx context.Context, msg stt.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.left == 0 {
		return errors.New("broken pipe")
	}
	b.left--
	return b.Socket.Send(ctx, msg)
}

func TestDrainFailureKeepsRemainingFramesForRedial(t *testing.T) {
	inner := mock.NewDialer()
	inner.Hold()
	d := &brokenDialer{inner: inner, limit: 2}
	r := newRecorder()
	obs := metrics.NewMemoryObserver()
	s := newSession(d, transports.StreamConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectInterval:    time.Millisecond,
	}, r, obs)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	eventually(t, func() bool { return inner.Dials() == 1 })
	for i := 0; i < 4; i++ {
		if !s.SendFrame(frame(i)) {
			t.Fatalf("frame %d not queued while connecting", i)
		}
	}
	inner.Release()
	if err := <-errCh; err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Abort()

	first, _ := inner.Next(wait)
	second, ok := inner.Next(wait)
	if !ok {
		t.Fatalf("expected a redial after the failed write")
	}
	if got := first.Sent(); len(got) != 2 || firstSample(t, got[1]) != 0 {
		t.Fatalf("expected handshake plus frame 0 on the broken socket, got %d messages", len(got))
	}
	if !second.WaitSent(4, wait) {
		t.Fatalf("expected handshake plus frames 1-3 after redial, got %d", len(second.Sent()))
	}
	for i, msg := range second.Sent()[1:4] {
		if got := firstSample(t, msg); got != i+1 {
			t.Fatalf("frame %d lost or reordered: got %d", i+1, got)
		}
	}
	if obs.Count(metrics.EventFrameDropped) != 0 {
		t.Fatalf("no frame may be dropped, got %d", obs.Count(metrics.EventFrameDropped))
	}
}

func TestFramesDuringDropReachTheNextConnection(t *testing.T) {
	d := mock.NewDialer()
	r := newRecorder()
	s := newSession(d, transports.StreamConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectInterval:    20 * time.Millisecond,
	}, r, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Abort()
	first, _ := d.Next(wait)
	s.SendFrame(frame(1))
	first.Drop()
	// Whether the reader or the writer notices first, both frames must
	// survive until the redial.
	for _, seq := range []int{2, 3} {
		if !s.SendFrame(frame(seq)) {
			t.Fatalf("frame %d dropped during reconnect", seq)
		}
	}
	if s.State() == transports.StateOpen {
		t.Fatalf("a failed write must leave the open state")
	}
	second, ok := d.Next(wait)
	if !ok {
		t.Fatalf("no reconnection")
	}
	if !second.WaitSent(3, wait) {
		t.Fatalf("expected handshake plus two frames, got %d", len(second.Sent()))
	}
	sent := second.Sent()
	if firstSample(t, sent[1]) != 2 || firstSample(t, sent[2]) != 3 {
		t.Fatalf("frames reordered across connections")
	}
}
