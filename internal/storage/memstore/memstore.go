// Package memstore is an in-memory storage.Adapter: the usual path-vector
// key scheme and load/save/remove/range contract, backed by a map instead
// of a filesystem. Used by the core's own tests and the demo binary.
package memstore

import (
	"strings"
	"sync"

	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

// Adapter is a concurrency-safe, process-local storage.Adapter.
type Adapter struct {
	id wire.StorageID

	mu   sync.RWMutex
	data map[string][]byte
}

// New constructs an empty Adapter identified by id.
func New(id wire.StorageID) *Adapter {
	return &Adapter{id: id, data: make(map[string][]byte)}
}

// ID returns the adapter's StorageID.
func (a *Adapter) ID() wire.StorageID { return a.id }

func joinKey(key []string) string {
	return strings.Join(key, "/")
}

// Load returns the stored value for key, or (nil, nil) if absent.
func (a *Adapter) Load(key []string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.data[joinKey(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Save writes value under key, overwriting any prior value.
func (a *Adapter) Save(key []string, value []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[joinKey(key)] = append([]byte(nil), value...)
	return nil
}

// Remove deletes the value stored under key, if any.
func (a *Adapter) Remove(key []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, joinKey(key))
	return nil
}

// LoadRange returns every stored key/value pair whose key starts with
// prefix, keyed by their joined string form.
func (a *Adapter) LoadRange(prefix []string) (map[string][]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p := joinKey(prefix)
	out := make(map[string][]byte)
	for k, v := range a.data {
		if k == p || strings.HasPrefix(k, p+"/") {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// RemoveRange deletes every key starting with prefix.
func (a *Adapter) RemoveRange(prefix []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := joinKey(prefix)
	for k := range a.data {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(a.data, k)
		}
	}
	return nil
}
