// Package directory is the relay's registry of connected endpoints: it
// maps an endpoint id to its live connection and registration info, and
// lets callers wait for an id that has not registered yet.
package directory

import (
	"context"
	"sync"

	"github.com/tenzoki/meshline/internal/mux"
)

// Info is the metadata an endpoint supplies at registration.
type Info struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	PublicKey string `json:"public_key"`
}

type entry struct {
	info Info
	conn *mux.Mux
}

// Directory is instance-owned: the relay service constructs one and holds
// it for its lifetime. It is never a package-level singleton.
type Directory struct {
	mu      sync.RWMutex
	clients map[string]entry
	waiters map[string][]chan struct{}
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		clients: make(map[string]entry),
		waiters: make(map[string][]chan struct{}),
	}
}

// Register records info/conn under info.ID, replacing any prior entry for
// that id, and wakes every waiter blocked on that id.
func (d *Directory) Register(info Info, conn *mux.Mux) {
	d.mu.Lock()
	d.clients[info.ID] = entry{info: info, conn: conn}
	waiters := d.waiters[info.ID]
	delete(d.waiters, info.ID)
	d.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Deregister removes id's entry. Idempotent; does not affect waiters
// blocked on a future registration of the same id.
func (d *Directory) Deregister(id string) {
	d.mu.Lock()
	delete(d.clients, id)
	d.mu.Unlock()
}

// GetConnectionByID returns id's connection, blocking until it registers
// if necessary. Returns ctx.Err() if ctx is cancelled first.
func (d *Directory) GetConnectionByID(ctx context.Context, id string) (*mux.Mux, error) {
	e, err := d.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.conn, nil
}

// GetInfoByID returns id's registration info, blocking until it registers
// if necessary.
func (d *Directory) GetInfoByID(ctx context.Context, id string) (Info, error) {
	e, err := d.getEntry(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return e.info, nil
}

func (d *Directory) getEntry(ctx context.Context, id string) (entry, error) {
	d.mu.RLock()
	e, ok := d.clients[id]
	d.mu.RUnlock()
	if ok {
		return e, nil
	}

	ready := d.addWaiter(id)
	select {
	case <-ready:
	case <-ctx.Done():
		d.removeWaiter(id, ready)
		return entry{}, ctx.Err()
	}

	d.mu.RLock()
	e, ok = d.clients[id]
	d.mu.RUnlock()
	if !ok {
		// Registered then immediately deregistered before we re-read;
		// the caller should retry if it still wants this id.
		return entry{}, context.Canceled
	}
	return e, nil
}

func (d *Directory) addWaiter(id string) chan struct{} {
	ready := make(chan struct{})
	d.mu.Lock()
	d.waiters[id] = append(d.waiters[id], ready)
	d.mu.Unlock()
	return ready
}

func (d *Directory) removeWaiter(id string, target chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[id]
	for i, w := range list {
		if w == target {
			d.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.waiters[id]) == 0 {
		delete(d.waiters, id)
	}
}
