// Package gallery holds the in-memory set of enrolled faces the server
// matches probes against. The gallery exclusively owns its arrays and user
// map; all mutation goes through its methods and is bracketed by one lock,
// so a concurrent match observes either the pre- or post-mutation state of
// any given id, never a torn combination.
package gallery

import "sync"

// UserInfo is the metadata attached to an enrolled user.
type UserInfo struct {
	EnrollID int
	Name     string
	IsActive bool
	HasFace  bool
}

// Entry pairs an enroll id with its embedding, used for atomic bulk loads.
type Entry struct {
	EnrollID  int
	Embedding []float32
	Name      string
	IsActive  bool
}

// Gallery keeps labels[i] and embeddings[i] describing the same user.
// Each id appears at most once.
type Gallery struct {
	mu         sync.RWMutex
	labels     []int
	embeddings [][]float32
	users      map[int]UserInfo
}

// New returns an empty gallery.
func New() *Gallery {
	return &Gallery{users: make(map[int]UserInfo)}
}

// ReplaceAll swaps in a freshly built gallery in one exclusive section.
// Readers never observe a half-populated state.
func (g *Gallery) ReplaceAll(entries []Entry) {
	labels := make([]int, 0, len(entries))
	embeddings := make([][]float32, 0, len(entries))
	users := make(map[int]UserInfo, len(entries))
	for _, e := range entries {
		if _, dup := users[e.EnrollID]; dup {
			continue
		}
		labels = append(labels, e.EnrollID)
		embeddings = append(embeddings, e.Embedding)
		users[e.EnrollID] = UserInfo{EnrollID: e.EnrollID, Name: e.Name, IsActive: e.IsActive, HasFace: true}
	}

	g.mu.Lock()
	g.labels = labels
	g.embeddings = embeddings
	g.users = users
	g.mu.Unlock()
}

// Upsert adds or replaces the embedding and metadata for an id.
func (g *Gallery) Upsert(enrollID int, embedding []float32, name string, isActive bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(enrollID)
	g.labels = append(g.labels, enrollID)
	g.embeddings = append(g.embeddings, embedding)
	g.users[enrollID] = UserInfo{EnrollID: enrollID, Name: name, IsActive: isActive, HasFace: true}
}

// Remove drops an id from the embedding list and the user map.
// Returns false when the id was not present.
func (g *Gallery) Remove(enrollID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.users[enrollID]
	g.removeLocked(enrollID)
	delete(g.users, enrollID)
	return ok
}

func (g *Gallery) removeLocked(enrollID int) {
	for i, id := range g.labels {
		if id == enrollID {
			g.labels = append(g.labels[:i], g.labels[i+1:]...)
			g.embeddings = append(g.embeddings[:i], g.embeddings[i+1:]...)
			return
		}
	}
}

// SetActive flips the active flag in place. Returns false for unknown ids.
func (g *Gallery) SetActive(enrollID int, active bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[enrollID]
	if !ok {
		return false
	}
	u.IsActive = active
	g.users[enrollID] = u
	return true
}

// Get returns the metadata for one id.
func (g *Gallery) Get(enrollID int) (UserInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[enrollID]
	return u, ok
}

// Users returns a copy of the user map.
func (g *Gallery) Users() map[int]UserInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[int]UserInfo, len(g.users))
	for id, u := range g.users {
		out[id] = u
	}
	return out
}

// IDs returns the enrolled ids, in gallery order.
func (g *Gallery) IDs() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(g.labels))
	copy(out, g.labels)
	return out
}

// Len reports the number of enrolled embeddings.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.labels)
}

// Range iterates the parallel (label, embedding) pairs under the shared
// lock. The callback must not call back into the gallery and must not
// retain the embedding slice. Returning false stops the iteration.
func (g *Gallery) Range(fn func(enrollID int, embedding []float32) bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i, id := range g.labels {
		if !fn(id, g.embeddings[i]) {
			return
		}
	}
}
