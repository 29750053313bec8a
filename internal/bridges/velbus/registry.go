package velbus

import "sync"

// PacketListener receives raw frames addressed to it.
//
// The frame is owned by the listener once delivered. Implementations
// must not block for long; they run on the client's read goroutine.
type PacketListener interface {
	OnPacketReceived(packet []byte)
}

// PacketListenerFunc adapts a function to PacketListener.
type PacketListenerFunc func(packet []byte)

// OnPacketReceived calls f(packet).
func (f PacketListenerFunc) OnPacketReceived(packet []byte) {
	f(packet)
}

// ListenerRegistry routes inbound frames by source address.
//
// Each address has at most one listener; registering again replaces it.
// Frames for addresses without a listener go to the default listener, if
// any, and are otherwise dropped.
//
// Thread Safety: all methods are safe for concurrent use. Listeners are
// invoked without the registry lock held, so a listener may register or
// unregister from inside its callback.
type ListenerRegistry struct {
	mu              sync.RWMutex
	listeners       map[byte]PacketListener
	defaultListener PacketListener
}

// NewListenerRegistry returns an empty registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{listeners: make(map[byte]PacketListener)}
}

// Register sets the listener for address, replacing any previous one.
func (r *ListenerRegistry) Register(address byte, listener PacketListener) error {
	if listener == nil {
		return ErrNilListener
	}
	r.mu.Lock()
	r.listeners[address] = listener
	r.mu.Unlock()
	return nil
}

// Unregister removes the listener for address. Unknown addresses are ignored.
func (r *ListenerRegistry) Unregister(address byte) {
	r.mu.Lock()
	delete(r.listeners, address)
	r.mu.Unlock()
}

// SetDefaultListener sets the fallback listener. nil removes it.
func (r *ListenerRegistry) SetDefaultListener(listener PacketListener) {
	r.mu.Lock()
	r.defaultListener = listener
	r.mu.Unlock()
}

// Len returns the number of address registrations.
func (r *ListenerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Dispatch delivers packet to one listener and reports whether any
// listener received it. Frames too short to carry an address are dropped.
func (r *ListenerRegistry) Dispatch(packet []byte) bool {
	address, ok := FrameAddress(packet)
	if !ok {
		return false
	}

	r.mu.RLock()
	listener, found := r.listeners[address]
	if !found {
		listener = r.defaultListener
	}
	r.mu.RUnlock()

	if listener == nil {
		return false
	}
	listener.OnPacketReceived(packet)
	return true
}
