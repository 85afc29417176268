package chat

import (
	"fmt"
	"sync"

	"personad/internal/models"
)

// Registry is the process-wide persona table. One coarse lock guards
// structural changes; turn processing holds the per-key serializer instead
// and reads the persona it already resolved.
type Registry struct {
	mu       sync.RWMutex
	personas map[models.PersonaKey]*models.Persona
}

func NewRegistry() *Registry {
	return &Registry{personas: make(map[models.PersonaKey]*models.Persona)}
}

// Add registers a persona. The key must be free.
func (r *Registry) Add(p *models.Persona) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.Key()
	if _, exists := r.personas[key]; exists {
		return fmt.Errorf("persona %s already exists", key)
	}
	if p.Sleep == "" {
		p.Sleep = models.SleepAwake
	}
	r.personas[key] = p
	return nil
}

// Remove deletes a persona.
func (r *Registry) Remove(key models.PersonaKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.personas[key]; !exists {
		return fmt.Errorf("persona %s not found", key)
	}
	delete(r.personas, key)
	return nil
}

// Get resolves one persona.
func (r *Registry) Get(key models.PersonaKey) (*models.Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[key]
	return p, ok
}

// InChannel lists the personas bound to a channel.
func (r *Registry) InChannel(server, channel string) []*models.Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Persona
	for key, p := range r.personas {
		if key.Server == server && key.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}

// All lists every registered persona.
func (r *Registry) All() []*models.Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	return out
}

// Len returns the persona count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.personas)
}
