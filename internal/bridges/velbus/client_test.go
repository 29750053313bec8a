package velbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"
)

// fakeTransport is an in-memory Transport. Frames pushed with feed are
// returned by Read; Read fails once the transport is closed.
type fakeTransport struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error

	incoming  chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		select {
		case <-f.closed:
			return 0, io.ErrClosedPipe
		case b, ok := <-f.incoming:
			if !ok {
				return 0, io.EOF
			}
			f.pending = b
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeTransport) Flush() error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) feed(b []byte) {
	f.incoming <- b
}

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out a new fakeTransport per successful dial. Queued
// errors are returned by the next dials, in order.
type fakeDialer struct {
	mu         sync.Mutex
	errs       []error
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) String() string {
	return "fake://bus"
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) current() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// stateRecorder collects state change callbacks.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

const testReconnectInterval = 5 * time.Second

func newTestClient(t *testing.T, dialer *fakeDialer, clock clockwork.Clock) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Dialer:            dialer,
		ReconnectInterval: testReconnectInterval,
		Clock:             clock,
	})
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	return c
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, waiters int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, waiters); err != nil {
		t.Fatalf("BlockUntilContext(%d) error: %v", waiters, err)
	}
}

func TestNewClientNotConfigured(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NewClient() error = %v, want ErrNotConfigured", err)
	}
	if _, err := NewClient(ClientConfig{Target: "ftp://bus"}); err == nil {
		t.Error("NewClient() with unsupported target expected error, got nil")
	}

	c, err := NewClient(ClientConfig{Target: "tcp://velserv:6000"})
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	if c.Target() != "tcp://velserv:6000" {
		t.Errorf("Target() = %q", c.Target())
	}
	_ = c.Close()
}

func TestClientConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clockwork.NewFakeClock())
	defer c.Close()

	states := &stateRecorder{}
	c.SetOnStateChange(states.record)

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() before Connect = %v, want ErrNotConnected", err)
	}
	if err := c.SendPacket(statusFrame); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendPacket() before Connect = %v, want ErrNotConnected", err)
	}
	if c.Stats().PacketsDropped != 1 {
		t.Errorf("PacketsDropped = %d, want 1", c.Stats().PacketsDropped)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %s, want connected", c.State())
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	// Connecting again is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() unexpected error: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}

	want := []ConnectionState{StateConnecting, StateConnected}
	if got := states.all(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("state changes = %v, want %v", got, want)
	}
}

func TestClientPacing(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, dialer, clock)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	tr := dialer.current()

	want := [][]byte{
		StatusRequestPacket(0x01, AllChannels).MustEncode(),
		StatusRequestPacket(0x02, AllChannels).MustEncode(),
		StatusRequestPacket(0x03, AllChannels).MustEncode(),
	}
	for _, f := range want {
		if err := c.SendPacket(f); err != nil {
			t.Fatalf("SendPacket() unexpected error: %v", err)
		}
	}

	// The first frame goes out at once, the next waits for its slot.
	waitFor(t, "first write", func() bool { return len(tr.frames()) == 1 })
	blockUntil(t, clock, 1)

	clock.Advance(MinPacketSpacing - time.Millisecond)
	if n := len(tr.frames()); n != 1 {
		t.Fatalf("written %d frames before the slot, want 1", n)
	}
	clock.Advance(time.Millisecond)
	waitFor(t, "second write", func() bool { return len(tr.frames()) == 2 })

	blockUntil(t, clock, 1)
	clock.Advance(MinPacketSpacing)
	waitFor(t, "third write", func() bool { return len(tr.frames()) == 3 })

	assertFrames(t, tr.frames(), want)

	// After an idle period the next frame is not delayed.
	clock.Advance(time.Second)
	if err := c.SendPacket(want[0]); err != nil {
		t.Fatalf("SendPacket() unexpected error: %v", err)
	}
	waitFor(t, "idle write", func() bool { return len(tr.frames()) == 4 })
	waitFor(t, "tx counter", func() bool { return c.Stats().PacketsTx == 4 })
}

func TestClientSendQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clockwork.NewFakeClock())
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}

	// The clock never advances, so at most two frames leave the queue.
	var full int
	for i := 0; i < sendQueueSize+10; i++ {
		err := c.Send(StatusRequestPacket(0x01, AllChannels))
		if errors.Is(err, ErrSendQueueFull) {
			full++
		} else if err != nil {
			t.Fatalf("Send() unexpected error: %v", err)
		}
	}
	if full == 0 {
		t.Error("no send was rejected with ErrSendQueueFull")
	}
	if got := c.Stats().QueueLength; got > sendQueueSize {
		t.Errorf("QueueLength = %d, want at most %d", got, sendQueueSize)
	}
}

func TestClientSendInvalidPacket(t *testing.T) {
	c := newTestClient(t, &fakeDialer{}, clockwork.NewFakeClock())
	defer c.Close()

	if err := c.Send(NewPacket(0x01, PriorityLow, make([]byte, 16)...)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Send() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestClientDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clockwork.NewFakeClock())
	defer c.Close()

	module := &recordingListener{}
	fallback := &recordingListener{}
	if err := c.RegisterPacketListener(0x01, module); err != nil {
		t.Fatalf("RegisterPacketListener() unexpected error: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	tr := dialer.current()

	tr.feed(statusFrame)
	waitFor(t, "listener delivery", func() bool { return module.count() == 1 })
	if !bytes.Equal(module.frames[0], statusFrame) {
		t.Errorf("delivered % X, want % X", module.frames[0], statusFrame)
	}

	// No default listener: counted as unclaimed.
	tr.feed(StatusRequestPacket(0x02, AllChannels).MustEncode())
	waitFor(t, "unclaimed frame", func() bool { return c.Stats().Unclaimed == 1 })

	c.SetDefaultPacketListener(fallback)
	tr.feed(StatusRequestPacket(0x02, AllChannels).MustEncode())
	waitFor(t, "default listener delivery", func() bool { return fallback.count() == 1 })

	// A corrupt frame is counted and the following frame still arrives.
	tr.feed(concat([]byte{0x0F, 0xFB, 0x01, 0x02, 0xFA, 0xFF, 0x00, 0x04}, statusFrame))
	waitFor(t, "frame after corrupt one", func() bool { return module.count() == 2 })
	if got := c.Stats().MalformedFrames; got != 1 {
		t.Errorf("MalformedFrames = %d, want 1", got)
	}

	c.UnregisterPacketListener(0x01)
	tr.feed(statusFrame)
	waitFor(t, "frame after unregister", func() bool { return fallback.count() == 2 })

	if got := c.Stats().PacketsRx; got != 5 {
		t.Errorf("PacketsRx = %d, want 5", got)
	}
}

func TestClientListenerPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clockwork.NewFakeClock())
	defer c.Close()

	after := &recordingListener{}
	_ = c.RegisterPacketListener(0x01, PacketListenerFunc(func([]byte) { panic("listener bug") }))
	_ = c.RegisterPacketListener(0x02, after)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	tr := dialer.current()

	tr.feed(statusFrame)
	tr.feed(StatusRequestPacket(0x02, AllChannels).MustEncode())
	waitFor(t, "delivery after panic", func() bool { return after.count() == 1 })

	if c.State() != StateConnected {
		t.Errorf("State() = %s, want connected", c.State())
	}
	if c.Stats().ErrorsTotal != 1 {
		t.Errorf("ErrorsTotal = %d, want 1", c.Stats().ErrorsTotal)
	}
}

func TestClientWriteFailureReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, dialer, clock)
	defer c.Close()

	states := &stateRecorder{}
	c.SetOnStateChange(states.record)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	first := dialer.current()
	first.failWrites(errors.New("broken pipe"))

	if err := c.SendPacket(statusFrame); err != nil {
		t.Fatalf("SendPacket() unexpected error: %v", err)
	}

	waitFor(t, "connection loss", func() bool { return c.State() == StateDisconnected })
	if !first.isClosed() {
		t.Error("failed transport was not closed")
	}
	if err := c.SendPacket(statusFrame); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendPacket() while disconnected = %v, want ErrNotConnected", err)
	}

	// The retry waits a full interval.
	blockUntil(t, clock, 1)
	clock.Advance(testReconnectInterval - time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d before the interval, want 1", dialer.dialCount())
	}
	clock.Advance(time.Millisecond)
	waitFor(t, "reconnection", func() bool { return c.State() == StateConnected })

	second := dialer.current()
	if second == first {
		t.Fatal("reconnect reused the failed transport")
	}
	if c.Stats().ReconnectsTotal != 1 {
		t.Errorf("ReconnectsTotal = %d, want 1", c.Stats().ReconnectsTotal)
	}

	// No further attempts once connected.
	clock.Advance(10 * testReconnectInterval)
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d after reconnection, want 2", dialer.dialCount())
	}

	if err := c.SendPacket(statusFrame); err != nil {
		t.Fatalf("SendPacket() after reconnect unexpected error: %v", err)
	}
	waitFor(t, "write on new transport", func() bool { return len(second.frames()) == 1 })

	got := states.all()
	if len(got) < 4 || got[len(got)-2] != StateReconnecting || got[len(got)-1] != StateConnected {
		t.Errorf("state changes = %v, want ... reconnecting, connected", got)
	}
}

func TestClientRemoteCloseReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, dialer, clock)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}

	// End of stream from the interface.
	close(dialer.current().incoming)

	waitFor(t, "connection loss", func() bool { return c.State() == StateDisconnected })
	blockUntil(t, clock, 1)
	clock.Advance(testReconnectInterval)
	waitFor(t, "reconnection", func() bool { return c.State() == StateConnected })
}

func TestClientConnectFailureRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	errRefused := errors.New("connection refused")
	dialer := &fakeDialer{errs: []error{errRefused, errRefused}}
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, dialer, clock)
	defer c.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, errRefused) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed wrapping the dial error", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}

	// First retry fails, second succeeds.
	blockUntil(t, clock, 1)
	clock.Advance(testReconnectInterval)
	waitFor(t, "second dial", func() bool { return dialer.dialCount() == 2 })

	blockUntil(t, clock, 1)
	clock.Advance(testReconnectInterval)
	waitFor(t, "connection", func() bool { return c.State() == StateConnected })

	if dialer.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", dialer.dialCount())
	}
	if c.Stats().ErrorsTotal != 2 {
		t.Errorf("ErrorsTotal = %d, want 2", c.Stats().ErrorsTotal)
	}
}

func TestClientTimeSync(t *testing.T) {
	defer goleak.VerifyNone(t)

	start := time.Date(2026, time.March, 4, 14, 7, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	dialer := &fakeDialer{}

	c, err := NewClient(ClientConfig{
		Dialer:             dialer,
		ReconnectInterval:  testReconnectInterval,
		TimeUpdateInterval: time.Hour,
		Location:           time.UTC,
		Clock:              clock,
	})
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	tr := dialer.current()

	// Waiters: the hourly ticker plus the pacing timer.
	waitFor(t, "date broadcast", func() bool { return len(tr.frames()) == 1 })
	blockUntil(t, clock, 2)
	clock.Advance(MinPacketSpacing)
	waitFor(t, "clock broadcast", func() bool { return len(tr.frames()) == 2 })
	blockUntil(t, clock, 2)
	clock.Advance(MinPacketSpacing)
	waitFor(t, "daylight saving broadcast", func() bool { return len(tr.frames()) == 3 })

	assertFrames(t, tr.frames(), encodeAll(
		SetDatePacket(start),
		SetRealtimeClockPacket(start),
		DaylightSavingPacket(start),
	))
}

func TestClientClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clockwork.NewFakeClock())

	states := &stateRecorder{}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	c.SetOnStateChange(states.record)
	tr := dialer.current()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() unexpected error: %v", err)
	}

	if !tr.isClosed() {
		t.Error("transport not closed")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
	if got := states.all(); len(got) != 1 || got[0] != StateDisconnected {
		t.Errorf("state changes = %v, want [disconnected]", got)
	}
	if err := c.SendPacket(statusFrame); !errors.Is(err, ErrClosed) {
		t.Errorf("SendPacket() after Close = %v, want ErrClosed", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close = %v, want ErrClosed", err)
	}
}

func TestClientCloseWithoutConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newTestClient(t, &fakeDialer{}, clockwork.NewFakeClock())
	if err := c.Close(); err != nil {
		t.Errorf("Close() unexpected error: %v", err)
	}
}

// stalledTransport is one end of a net.Pipe whose peer never reads, so
// every write blocks until the transport is closed.
type stalledTransport struct {
	net.Conn
	writing chan struct{}
	once    sync.Once
}

func (s *stalledTransport) Write(p []byte) (int, error) {
	s.once.Do(func() { close(s.writing) })
	return s.Conn.Write(p)
}

func (s *stalledTransport) Flush() error {
	return nil
}

type staticDialer struct {
	transport Transport
}

func (d *staticDialer) Dial(context.Context) (Transport, error) {
	return d.transport, nil
}

func (d *staticDialer) String() string {
	return "pipe://bus"
}

func TestClientCloseDuringStalledWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, peer := net.Pipe()
	defer peer.Close()
	tr := &stalledTransport{Conn: local, writing: make(chan struct{})}

	c, err := NewClient(ClientConfig{
		Dialer: &staticDialer{transport: tr},
		Clock:  clockwork.NewFakeClock(),
	})
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}
	if err := c.SendPacket(statusFrame); err != nil {
		t.Fatalf("SendPacket() unexpected error: %v", err)
	}

	select {
	case <-tr.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never reached the transport")
	}

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked behind a stalled write")
	}

	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{ConnectionState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
