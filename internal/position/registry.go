package position

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Registry is the in-memory set of monitored positions. All methods are safe
// for concurrent use; List hands out deep copies so a tick never observes
// edits made while it runs.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]Position
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{positions: make(map[string]Position)}
}

// LoadRegistry parses records from path into a new registry. On any
// ConfigError the registry is returned empty alongside the error.
func LoadRegistry(path string) (*Registry, error) {
	reg := NewRegistry()
	positions, err := LoadFile(path)
	if err != nil {
		return reg, err
	}
	if err := reg.Replace(positions); err != nil {
		return NewRegistry(), err
	}
	return reg, nil
}

// Replace swaps the full set atomically.
func (r *Registry) Replace(positions []Position) error {
	next := make(map[string]Position, len(positions))
	for _, p := range positions {
		if p.ID == "" {
			p.ID = p.Key()
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
		}
		next[p.ID] = p.Clone()
	}

	r.mu.Lock()
	r.positions = next
	r.mu.Unlock()
	return nil
}

// Add registers a new position and returns it with its identifier assigned.
func (r *Registry) Add(p Position) (Position, error) {
	if p.ID == "" {
		p.ID = p.Key()
	}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[p.ID]; exists {
		return Position{}, fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	r.positions[p.ID] = p.Clone()
	return p.Clone(), nil
}

// Update replaces the stored position with the same identifier.
func (r *Registry) Update(p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[p.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	r.positions[p.ID] = p.Clone()
	return nil
}

// Remove deletes a position.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.positions, id)
	return nil
}

// Get returns a copy of one position.
func (r *Registry) Get(id string) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	if !ok {
		return Position{}, false
	}
	return p.Clone(), true
}

// Len reports the number of registered positions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// List returns a snapshot ordered by identifier.
func (r *Registry) List() []Position {
	r.mu.RLock()
	out := make([]Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdatePeak moves the stored peak to candidate if it is more favorable.
func (r *Registry) UpdatePeak(id string, candidate decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.PreviousPeak != nil && p.PreviousPeak.Equal(candidate) {
		return nil
	}
	if !p.Improves(candidate) {
		return fmt.Errorf("%w: %s peak %s, candidate %s", ErrPeakRegression, id, p.PreviousPeak, candidate)
	}
	peak := candidate
	p.PreviousPeak = &peak
	r.positions[id] = p
	return nil
}

// MergePeaks restores persisted peaks, keeping whichever of the stored and
// configured value is more favorable. Unknown identifiers are ignored.
func (r *Registry) MergePeaks(peaks map[string]decimal.Decimal) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := 0
	for id, candidate := range peaks {
		p, ok := r.positions[id]
		if !ok || !p.Improves(candidate) {
			continue
		}
		peak := candidate
		p.PreviousPeak = &peak
		r.positions[id] = p
		merged++
	}
	return merged
}
