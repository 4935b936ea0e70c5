package conn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roteiro/chatsync/internal/bus"
	"github.com/roteiro/chatsync/internal/wire"
)

// fakeSocket is a channel-backed Socket for driving the read loop.
type fakeSocket struct {
	mu      sync.Mutex
	inbound chan []byte
	errs    chan error
	writes  [][]byte
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		errs:    make(chan error, 1),
	}
}

func (f *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case err := <-f.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSocket) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("socket closed")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeSocket) writtenFrame(i int) wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frame wire.Frame
	_ = json.Unmarshal(f.writes[i], &frame)
	return frame
}

// fakeDialer counts dial attempts and hands out fake sockets.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	block chan struct{} // if set, dials wait here before returning
	dials int
	urls  []string
	socks []*fakeSocket
}

func (d *fakeDialer) dial(_ context.Context, url string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	block := d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastSock() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func testService(t *testing.T, d *fakeDialer, b *bus.Bus) *Service {
	t.Helper()
	if b == nil {
		b = bus.New()
	}
	svc := NewService("wss://api.test", Options{
		Dialer:         d.dial,
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  5,
		TypingExpiry:   25 * time.Millisecond,
	}, b, nil)
	t.Cleanup(svc.Disconnect)
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectBuildsSocketURL(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)

	if err := svc.Connect(context.Background(), "c1", "tok en"); err != nil {
		t.Fatal(err)
	}
	if svc.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", svc.State())
	}
	want := "wss://api.test/ws/chat/c1/?token=tok+en"
	if d.urls[0] != want {
		t.Errorf("url = %q, want %q", d.urls[0], want)
	}
}

func TestConnectWhileConnectingDialsOnce(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	svc := testService(t, d, nil)

	done := make(chan error, 1)
	go func() { done <- svc.Connect(context.Background(), "c1", "tok") }()

	waitFor(t, time.Second, "connecting state", func() bool {
		return svc.State() == Connecting
	})

	// Second call while the first dial is still in flight must be a no-op.
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}

	close(d.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestConnectWhileConnectedSameConversationIsNoop(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)

	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestConnectNewConversationTearsDownPrior(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)

	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	first := d.lastSock()
	if err := svc.Connect(context.Background(), "c2", "tok"); err != nil {
		t.Fatal(err)
	}
	if got := d.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("prior socket not closed")
	}
	if svc.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", svc.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)

	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	svc.Disconnect()
	svc.Disconnect()
	if svc.State() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", svc.State())
	}
}

func TestReconnectAfterReadFailure(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)

	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	d.lastSock().errs <- errors.New("abnormal close")

	waitFor(t, 2*time.Second, "reconnect", func() bool {
		return d.dialCount() == 2 && svc.State() == Connected
	})
}

func TestReconnectBudgetExhausted(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	svc := testService(t, d, nil)

	if err := svc.Connect(context.Background(), "c1", "tok"); err == nil {
		t.Fatal("expected connect error")
	}

	// Initial dial plus five retries, then the service parks.
	waitFor(t, 2*time.Second, "retry budget", func() bool {
		return d.dialCount() == 6 && svc.State() == Disconnected
	})
	time.Sleep(50 * time.Millisecond)
	if got := d.dialCount(); got != 6 {
		t.Errorf("dial count = %d after parking, want 6", got)
	}

	// An explicit Connect starts over.
	d.setErr(nil)
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	if svc.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", svc.State())
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	svc := testService(t, d, nil)

	_ = svc.Connect(context.Background(), "c1", "tok")
	svc.Disconnect()

	time.Sleep(60 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dial count = %d after disconnect, want 1", got)
	}
	if svc.State() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", svc.State())
	}
}

func TestSendTypingDedupes(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	sock := d.lastSock()

	ctx := context.Background()
	if err := svc.SendTyping(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendTyping(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := sock.writeCount(); got != 1 {
		t.Errorf("writes = %d, want 1 (duplicate true suppressed)", got)
	}
	if err := svc.SendTyping(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := sock.writeCount(); got != 2 {
		t.Errorf("writes = %d, want 2", got)
	}
	if f := sock.writtenFrame(1); f.Type != wire.TypeTypingStop {
		t.Errorf("frame type = %q, want typing_stop", f.Type)
	}
}

func TestSendTypingAutoExpires(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	sock := d.lastSock()

	if err := svc.SendTyping(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, "typing auto-stop", func() bool {
		return sock.writeCount() == 2
	})
	if f := sock.writtenFrame(1); f.Type != wire.TypeTypingStop {
		t.Errorf("frame type = %q, want typing_stop", f.Type)
	}

	// Flag was reset, so another true is not deduped away.
	if err := svc.SendTyping(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if got := sock.writeCount(); got != 3 {
		t.Errorf("writes = %d, want 3", got)
	}
}

func TestSendTypingNotConnected(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)

	if err := svc.SendTyping(context.Background(), true); err != nil {
		t.Errorf("SendTyping while disconnected = %v, want nil no-op", err)
	}
}

func TestSendReadReceipt(t *testing.T) {
	d := &fakeDialer{}
	svc := testService(t, d, nil)
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	sock := d.lastSock()

	if err := svc.SendReadReceipt(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if got := sock.writeCount(); got != 0 {
		t.Errorf("writes = %d for empty id list, want 0", got)
	}

	if err := svc.SendReadReceipt(context.Background(), []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	if got := sock.writeCount(); got != 1 {
		t.Fatalf("writes = %d, want 1", got)
	}
	if f := sock.writtenFrame(0); f.Type != wire.TypeMessageRead {
		t.Errorf("frame type = %q, want message_read", f.Type)
	}
}

func TestInboundFramesPublished(t *testing.T) {
	d := &fakeDialer{}
	b := bus.New()
	ch, unsub := b.Subscribe("socket.", 16)
	defer unsub()

	svc := testService(t, d, b)
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	sock := d.lastSock()

	sock.inbound <- []byte(`{"type":"chat_message","data":{"message":{"id":"m1","conversation_id":"c1","sender":{"id":"u2","name":"Ana"},"type":"text","content":"oi","created_at":"2026-03-01T12:00:00Z"}}}`)

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSocketMessage {
			t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindSocketMessage)
		}
		in, ok := evt.Payload.(InboundMessage)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if in.ConversationID != "c1" || in.Message.ID != "m1" {
			t.Errorf("payload = %+v", in)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for socket.chat_message")
	}

	sock.inbound <- []byte(`{"type":"typing_start","data":{"user_id":"u2"}}`)
	select {
	case evt := <-ch:
		sig, ok := evt.Payload.(TypingSignal)
		if !ok || !sig.Active || sig.UserID != "u2" {
			t.Errorf("typing payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for socket.typing")
	}
}

func TestMalformedFrameDoesNotKillLoop(t *testing.T) {
	d := &fakeDialer{}
	b := bus.New()
	ch, unsub := b.Subscribe("socket.", 16)
	defer unsub()

	svc := testService(t, d, b)
	if err := svc.Connect(context.Background(), "c1", "tok"); err != nil {
		t.Fatal(err)
	}
	sock := d.lastSock()

	sock.inbound <- []byte(`{"type":`)
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSocketError {
			t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindSocketError)
		}
		se := evt.Payload.(SocketError)
		if !strings.Contains(se.Message, "malformed") {
			t.Errorf("message = %q", se.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for socket.error")
	}

	// Loop still alive: a valid frame still comes through.
	sock.inbound <- []byte(`{"type":"typing_stop","data":{"user_id":"u2"}}`)
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSocketTyping {
			t.Errorf("kind = %q, want %q", evt.Kind, bus.KindSocketTyping)
		}
	case <-time.After(time.Second):
		t.Fatal("read loop died after malformed frame")
	}
	if svc.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", svc.State())
	}
}
