package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrRegistryFull is returned by Register when every slot is taken.
var ErrRegistryFull = errors.New("connection registry full")

// Handle names a registered client. The generation changes every time a
// slot is reused, so a handle kept past deregistration never matches the
// slot's next occupant.
type Handle struct {
	Slot       int    `json:"slot"`
	Generation uint32 `json:"generation"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.Slot, h.Generation)
}

// ClientFactory builds the per-client state for a new registration. An error
// refuses the registration and leaves the slot free.
type ClientFactory func(h Handle, addr net.Addr, width, height int, name string) (*Client, error)

type slotEntry struct {
	generation uint32
	client     *Client
}

// ConnectionRegistry is a fixed arena of client slots.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	slots     []slotEntry
	byAddr    map[string]int
	factory   ClientFactory
	onRelease func(Handle)
}

// NewConnectionRegistry creates a registry with maxClients slots. A nil
// factory builds bare clients.
func NewConnectionRegistry(maxClients int, factory ClientFactory) *ConnectionRegistry {
	if factory == nil {
		factory = func(h Handle, addr net.Addr, width, height int, name string) (*Client, error) {
			return newClient(h, addr, width, height, name), nil
		}
	}
	return &ConnectionRegistry{
		slots:   make([]slotEntry, max(maxClients, 0)),
		byAddr:  make(map[string]int),
		factory: factory,
	}
}

// OnRelease sets a function run by Deregister while the slot is still held,
// so per-slot state can be dropped before the slot is reused. Call it before
// the first Register.
func (r *ConnectionRegistry) OnRelease(fn func(Handle)) {
	r.mu.Lock()
	r.onRelease = fn
	r.mu.Unlock()
}

// Register claims a slot for addr. A second Register from an address that
// is already active returns the existing client unchanged.
func (r *ConnectionRegistry) Register(addr net.Addr, width, height int, name string) (*Client, error) {
	key := addr.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.byAddr[key]; ok {
		return r.slots[slot].client, nil
	}

	for i := range r.slots {
		if r.slots[i].client != nil {
			continue
		}
		h := Handle{Slot: i, Generation: r.slots[i].generation + 1}
		c, err := r.factory(h, addr, width, height, name)
		if err != nil {
			return nil, err
		}
		r.slots[i].generation = h.Generation
		r.slots[i].client = c
		r.byAddr[key] = i
		return c, nil
	}
	return nil, ErrRegistryFull
}

// Deregister cancels the client's context and releases the slot. It reports
// whether h named an active client; stale handles are a no-op.
func (r *ConnectionRegistry) Deregister(h Handle) bool {
	r.mu.Lock()
	c := r.lookup(h)
	if c == nil {
		r.mu.Unlock()
		return false
	}
	c.cancel()
	if r.onRelease != nil {
		r.onRelease(h)
	}
	r.slots[h.Slot].client = nil
	delete(r.byAddr, c.addr.String())
	r.mu.Unlock()
	return true
}

// lookup returns the client for h or nil. Caller holds r.mu.
func (r *ConnectionRegistry) lookup(h Handle) *Client {
	if h.Slot < 0 || h.Slot >= len(r.slots) {
		return nil
	}
	e := r.slots[h.Slot]
	if e.client == nil || e.generation != h.Generation {
		return nil
	}
	return e.client
}

// IsActive reports whether h names the slot's current occupant.
func (r *ConnectionRegistry) IsActive(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(h) != nil
}

// Get returns the client for h.
func (r *ConnectionRegistry) Get(h Handle) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.lookup(h)
	return c, c != nil
}

// Find returns the handle of the active client at addr.
func (r *ConnectionRegistry) Find(addr net.Addr) (Handle, bool) {
	c, ok := r.FindClient(addr)
	if !ok {
		return Handle{}, false
	}
	return c.handle, true
}

// FindClient returns the active client at addr.
func (r *ConnectionRegistry) FindClient(addr net.Addr) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.byAddr[addr.String()]
	if !ok {
		return nil, false
	}
	return r.slots[slot].client, true
}

// BySlot returns the current occupant of a slot.
func (r *ConnectionRegistry) BySlot(slot int) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot < 0 || slot >= len(r.slots) || r.slots[slot].client == nil {
		return nil, false
	}
	return r.slots[slot].client, true
}

// All returns the active clients in slot order.
func (r *ConnectionRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byAddr))
	for _, e := range r.slots {
		if e.client != nil {
			out = append(out, e.client)
		}
	}
	return out
}

// Count returns the number of active clients.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// Capacity returns the number of slots.
func (r *ConnectionRegistry) Capacity() int {
	return len(r.slots)
}
