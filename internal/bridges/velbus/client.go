package velbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Timing defaults for the Velbus interface.
const (
	// MinPacketSpacing is the minimum gap between two writes. The
	// VMB1USB drops packets that arrive faster.
	MinPacketSpacing = 60 * time.Millisecond

	// defaultConnectTimeout bounds a single dial attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultReconnectInterval is the fixed delay between reconnection attempts.
	defaultReconnectInterval = 15 * time.Second

	// sendQueueSize caps the packets waiting for their send slot.
	sendQueueSize = 256
)

// ConnectionState is the client's view of the transport.
type ConnectionState int32

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lower-case state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ClientConfig holds Velbus client configuration.
type ClientConfig struct {
	// Dialer opens the transport. Required unless Target is set.
	Dialer Dialer

	// Target is a connection URL passed to ParseConnection when Dialer is nil.
	Target string

	// ConnectTimeout bounds each dial attempt.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReconnectInterval is the fixed delay between reconnection attempts.
	// Default: 15 seconds.
	ReconnectInterval time.Duration

	// TimeUpdateInterval is the period of the date, time and daylight
	// saving broadcast. Zero disables it.
	TimeUpdateInterval time.Duration

	// Location is the zone broadcast to the modules.
	// Default: time.Local.
	Location *time.Location

	// Clock drives pacing, reconnection and time updates.
	// Default: the real clock.
	Clock clockwork.Clock

	// Logger is optional.
	Logger Logger
}

// ClientStats holds operational statistics.
type ClientStats struct {
	PacketsTx       uint64
	PacketsRx       uint64
	PacketsDropped  uint64 // Sends discarded while offline or on a full queue
	MalformedFrames uint64 // Inbound frames rejected by validation
	Unclaimed       uint64 // Inbound frames no listener received
	ErrorsTotal     uint64
	ReconnectsTotal uint64 // Successful connections after a loss
	QueueLength     int
	LastActivity    time.Time
	State           ConnectionState
}

// Client owns the connection to a Velbus interface.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Packet listeners run on the read goroutine, one packet at a time.
//
// Sending:
//   - SendPacket queues and returns immediately.
//   - A single writer drains the queue in submission order, waiting at
//     least MinPacketSpacing between writes.
//
// Reconnection:
//   - On a read or write failure the transport is closed and a retry is
//     scheduled every ReconnectInterval until a dial succeeds.
//   - A missing connection target is not retried.
type Client struct {
	cfg      ClientConfig
	dialer   Dialer
	clock    clockwork.Clock
	registry *ListenerRegistry

	// Connection state. generation increments per successful dial so a
	// read loop of an old transport cannot report loss of a new one.
	connMu     sync.RWMutex
	state      ConnectionState
	transport  Transport
	generation uint64

	// connectMu serialises dial attempts.
	connectMu sync.Mutex

	// writeMu makes liveness check, write and flush one step among
	// writers. Close does not take it.
	writeMu   sync.Mutex
	lastWrite time.Time

	queueMu     sync.Mutex
	queue       [][]byte
	queueSignal chan struct{}

	reconnectRequest chan struct{}
	timeSyncRequest  chan struct{}

	onStateChange func(ConnectionState)
	callbackMu    sync.RWMutex

	// Shutdown coordination
	startOnce  sync.Once
	done       *closeOnce
	lifetime   context.Context
	cancelLife context.CancelFunc
	wg         sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	packetsTx       atomic.Uint64
	packetsRx       atomic.Uint64
	packetsDropped  atomic.Uint64
	malformedFrames atomic.Uint64
	unclaimed       atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// NewClient creates a disconnected client. Call Connect to open the transport.
//
// Returns ErrNotConfigured when neither Dialer nor Target is set.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d, err := ParseConnection(cfg.Target, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:              cfg,
		dialer:           dialer,
		clock:            cfg.Clock,
		registry:         NewListenerRegistry(),
		queueSignal:      make(chan struct{}, 1),
		reconnectRequest: make(chan struct{}, 1),
		timeSyncRequest:  make(chan struct{}, 1),
		done:             newCloseOnce(),
		lifetime:         lifetime,
		cancelLife:       cancel,
		logger:           cfg.Logger,
	}, nil
}

// Connect opens the transport and starts the background loops.
//
// If the dial fails the client stays Disconnected, schedules a retry
// after ReconnectInterval and returns an error wrapping
// ErrConnectionFailed. Connecting an already connected client is a no-op.
//
// Parameters:
//   - ctx: Context for cancellation of this dial attempt
//
// Returns:
//   - error: ErrClosed, or ErrConnectionFailed when the dial failed
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.start()

	err := c.dial(ctx, StateConnecting)
	if err != nil && !errors.Is(err, ErrClosed) {
		c.requestReconnect()
	}
	return err
}

// start launches the writer, reconnect and time update loops once.
func (c *Client) start() {
	c.startOnce.Do(func() {
		// Under connMu so a concurrent Close cannot be waiting already.
		c.connMu.Lock()
		defer c.connMu.Unlock()
		if c.isClosed() {
			return
		}

		c.wg.Add(2)
		go c.writeLoop()
		go c.reconnectLoop()

		if c.cfg.TimeUpdateInterval > 0 {
			c.wg.Add(1)
			go c.timeSyncLoop()
		}
	})
}

// dial opens a new transport, reporting attempt as the state while dialling.
func (c *Client) dial(ctx context.Context, attempt ConnectionState) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.State() == StateConnected {
		return nil
	}

	c.setState(attempt)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	stop := context.AfterFunc(c.lifetime, cancel)
	transport, err := c.dialer.Dial(dialCtx)
	stop()
	cancel()

	if err != nil {
		c.errorsTotal.Add(1)
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, c.dialer, err)
	}

	c.connMu.Lock()
	if c.isClosed() {
		c.connMu.Unlock()
		_ = transport.Close()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	c.transport = transport
	c.state = StateConnected
	// Added under connMu so Close cannot be waiting already.
	c.wg.Add(1)
	c.connMu.Unlock()

	go c.readLoop(transport, gen)

	c.lastActivity.Store(c.clock.Now().Unix())
	if attempt == StateReconnecting {
		c.reconnectsTotal.Add(1)
		c.logInfo("reconnection successful", "target", c.dialer.String(),
			"total_reconnects", c.reconnectsTotal.Load())
	} else {
		c.logInfo("connected", "target", c.dialer.String())
	}
	c.notifyStateChange(StateConnected)

	if c.cfg.TimeUpdateInterval > 0 {
		select {
		case c.timeSyncRequest <- struct{}{}:
		default:
		}
	}
	return nil
}

// readLoop hands every valid frame of one transport to the registry.
func (c *Client) readLoop(transport Transport, gen uint64) {
	defer c.wg.Done()

	reader := NewPacketReader(transport)
	var malformed uint64

	for {
		_, frame, err := reader.ReadPacket()

		if m := reader.Malformed(); m != malformed {
			c.malformedFrames.Add(m - malformed)
			malformed = m
		}

		if err != nil {
			if c.isClosed() || !c.isCurrent(gen) {
				return // Transport closed on purpose
			}
			c.logError("read failed", err)
			c.errorsTotal.Add(1)
			c.connectionLost(gen)
			return
		}

		c.packetsRx.Add(1)
		c.lastActivity.Store(c.clock.Now().Unix())
		c.dispatch(frame)
	}
}

// dispatch delivers a frame, recovering listener panics.
func (c *Client) dispatch(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.errorsTotal.Add(1)
			c.logError("packet listener panic", fmt.Errorf("%v", r))
		}
	}()
	if !c.registry.Dispatch(frame) {
		c.unclaimed.Add(1)
	}
}

// SendPacket queues an encoded frame for transmission.
//
// The call never blocks on pacing. Frames are written in submission
// order with at least MinPacketSpacing between them. I/O failures are
// handled by the client and never returned here.
//
// Returns:
//   - error: ErrClosed, ErrNotConnected (frame dropped) or ErrSendQueueFull
func (c *Client) SendPacket(packet []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.IsConnected() {
		c.packetsDropped.Add(1)
		return ErrNotConnected
	}

	frame := make([]byte, len(packet))
	copy(frame, packet)

	c.queueMu.Lock()
	if len(c.queue) >= sendQueueSize {
		c.queueMu.Unlock()
		c.packetsDropped.Add(1)
		return ErrSendQueueFull
	}
	c.queue = append(c.queue, frame)
	c.queueMu.Unlock()

	select {
	case c.queueSignal <- struct{}{}:
	default:
	}
	return nil
}

// Send encodes p and queues it.
func (c *Client) Send(p Packet) error {
	frame, err := p.Encode()
	if err != nil {
		return err
	}
	return c.SendPacket(frame)
}

// writeLoop drains the send queue, one paced write at a time.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case <-c.queueSignal:
		}

		for {
			frame, ok := c.dequeue()
			if !ok {
				break
			}
			if !c.waitForSlot() {
				return
			}
			if gen, err := c.writeFrame(frame); err != nil {
				if c.isClosed() {
					return
				}
				c.logError("write failed", err)
				c.connectionLost(gen)
			}
		}
	}
}

func (c *Client) dequeue() ([]byte, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	frame := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return frame, true
}

// waitForSlot sleeps on the clock until MinPacketSpacing has passed since
// the previous write. Returns false if the client closed meanwhile.
func (c *Client) waitForSlot() bool {
	c.writeMu.Lock()
	last := c.lastWrite
	c.writeMu.Unlock()

	if last.IsZero() {
		return !c.isClosed()
	}
	wait := MinPacketSpacing - c.clock.Since(last)
	if wait <= 0 {
		return !c.isClosed()
	}

	timer := c.clock.NewTimer(wait)
	select {
	case <-c.done.Done():
		timer.Stop()
		return false
	case <-timer.Chan():
		return true
	}
}

// writeFrame writes and flushes one frame if the transport is still live.
// On failure it returns the generation of the failed transport.
func (c *Client) writeFrame(frame []byte) (uint64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return 0, nil
	}

	c.connMu.RLock()
	transport := c.transport
	gen := c.generation
	live := c.state == StateConnected
	c.connMu.RUnlock()

	if !live || transport == nil {
		c.packetsDropped.Add(1)
		return gen, nil
	}

	_, err := transport.Write(frame)
	if err == nil {
		err = transport.Flush()
	}
	// Pacing counts from the attempt, successful or not.
	c.lastWrite = c.clock.Now()

	if err != nil {
		c.errorsTotal.Add(1)
		c.packetsDropped.Add(1)
		return gen, err
	}

	c.packetsTx.Add(1)
	c.lastActivity.Store(c.lastWrite.Unix())
	return gen, nil
}

// connectionLost tears down the transport of generation gen and
// schedules reconnection. Later calls for the same generation are no-ops.
func (c *Client) connectionLost(gen uint64) {
	c.connMu.Lock()
	if c.generation != gen || c.state != StateConnected {
		c.connMu.Unlock()
		return
	}
	transport := c.transport
	c.transport = nil
	c.state = StateDisconnected
	c.connMu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	c.dropQueue()

	c.logInfo("connection lost, will attempt reconnection",
		"interval", c.cfg.ReconnectInterval.String())
	c.notifyStateChange(StateDisconnected)
	c.requestReconnect()
}

// requestReconnect starts a retry schedule unless one is already pending.
func (c *Client) requestReconnect() {
	select {
	case c.reconnectRequest <- struct{}{}:
	default:
	}
}

// reconnectLoop runs one retry schedule at a time: wait ReconnectInterval,
// dial, repeat until a dial succeeds.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case <-c.reconnectRequest:
		}

		for {
			timer := c.clock.NewTimer(c.cfg.ReconnectInterval)
			select {
			case <-c.done.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}

			c.logInfo("attempting reconnection", "target", c.dialer.String())
			err := c.dial(c.lifetime, StateReconnecting)
			if err == nil || errors.Is(err, ErrClosed) {
				break
			}
			c.logError("reconnect failed", err)
		}
	}
}

// timeSyncLoop broadcasts date, time and daylight saving status every
// TimeUpdateInterval and right after each successful connection.
func (c *Client) timeSyncLoop() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.cfg.TimeUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done.Done():
			return
		case <-ticker.Chan():
		case <-c.timeSyncRequest:
		}
		if c.IsConnected() {
			c.SendTimeUpdate()
		}
	}
}

// SendTimeUpdate queues the set-date, set-time and daylight saving
// broadcasts for the current time.
func (c *Client) SendTimeUpdate() {
	now := c.clock.Now().In(c.cfg.Location)
	for _, p := range []Packet{
		SetDatePacket(now),
		SetRealtimeClockPacket(now),
		DaylightSavingPacket(now),
	} {
		if err := c.Send(p); err != nil {
			c.logDebug("time update not sent", "error", err)
			return
		}
	}
}

func (c *Client) dropQueue() {
	c.queueMu.Lock()
	n := len(c.queue)
	c.queue = nil
	c.queueMu.Unlock()
	if n > 0 {
		c.packetsDropped.Add(uint64(n))
	}
}

// RegisterPacketListener routes frames from address to listener.
func (c *Client) RegisterPacketListener(address byte, listener PacketListener) error {
	return c.registry.Register(address, listener)
}

// UnregisterPacketListener removes the listener for address.
func (c *Client) UnregisterPacketListener(address byte) {
	c.registry.Unregister(address)
}

// SetDefaultPacketListener receives frames no other listener claims.
func (c *Client) SetDefaultPacketListener(listener PacketListener) {
	c.registry.SetDefaultListener(listener)
}

// SetOnStateChange sets a callback for connection state transitions.
// It runs without client locks held.
func (c *Client) SetOnStateChange(callback func(ConnectionState)) {
	c.callbackMu.Lock()
	c.onStateChange = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state
}

// IsConnected returns true if the transport is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Target describes the connection target.
func (c *Client) Target() string {
	return c.dialer.String()
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	c.queueMu.Lock()
	queued := len(c.queue)
	c.queueMu.Unlock()

	return ClientStats{
		PacketsTx:       c.packetsTx.Load(),
		PacketsRx:       c.packetsRx.Load(),
		PacketsDropped:  c.packetsDropped.Load(),
		MalformedFrames: c.malformedFrames.Load(),
		Unclaimed:       c.unclaimed.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		QueueLength:     queued,
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		State:           c.State(),
	}
}

// HealthCheck returns ErrNotConnected unless the transport is open.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close stops all loops, drops queued packets and closes the transport.
// Safe to call multiple times.
//
// Returns:
//   - error: nil (closing is best-effort)
func (c *Client) Close() error {
	c.done.Close()
	c.cancelLife()

	c.connMu.Lock()
	transport := c.transport
	c.transport = nil
	previous := c.state
	c.state = StateDisconnected
	c.connMu.Unlock()

	// Not under writeMu: closing is what unblocks a write stuck in the transport.
	if transport != nil {
		_ = transport.Close()
	}
	c.dropQueue()

	c.wg.Wait()

	if previous != StateDisconnected {
		c.notifyStateChange(StateDisconnected)
		c.logInfo("connection closed")
	}
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.generation == gen && c.state == StateConnected
}

func (c *Client) setState(s ConnectionState) {
	c.connMu.Lock()
	previous := c.state
	c.state = s
	c.connMu.Unlock()

	if previous != s {
		c.notifyStateChange(s)
	}
}

func (c *Client) notifyStateChange(s ConnectionState) {
	c.callbackMu.RLock()
	callback := c.onStateChange
	c.callbackMu.RUnlock()

	if callback != nil {
		callback(s)
	}
}

// logDebug logs a debug message if logger is set.
func (c *Client) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (c *Client) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Client) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
