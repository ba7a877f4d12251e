// Package workflows is the catalog of runnable workflows: their ids, display
// metadata and the JSON Schema of the request each one accepts.
package workflows

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	embedded "github.com/jonathan/textbook-forge/schemas"
)

// TextbookID is the id of the textbook workflow.
const TextbookID = "textbook"

// ErrNotFound is returned for an unknown workflow id.
var ErrNotFound = errors.New("workflow not found")

// Metadata describes one workflow.
type Metadata struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Version     string          `json:"version"`
	Tags        []string        `json:"tags"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds workflow metadata by id.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Metadata
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Metadata)}
}

// Register adds m. Ids are unique and the input schema must be JSON.
func (r *Registry) Register(m Metadata) error {
	if m.ID == "" {
		return errors.New("workflow id is empty")
	}
	if len(m.InputSchema) > 0 && !json.Valid(m.InputSchema) {
		return fmt.Errorf("workflow %s: input schema is not valid JSON", m.ID)
	}
	if m.Version == "" {
		m.Version = "1.0.0"
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[m.ID]; ok {
		return fmt.Errorf("workflow %s is already registered", m.ID)
	}
	r.byID[m.ID] = m
	return nil
}

// Get returns the metadata of id or ErrNotFound.
func (r *Registry) Get(id string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// List returns every workflow sorted by id.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	out := make([]Metadata, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide catalog holding the built-in workflows.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		if err := defaultRegistry.Register(textbook()); err != nil {
			panic(err)
		}
	})
	return defaultRegistry
}

func textbook() Metadata {
	schema, err := embedded.Files.ReadFile(embedded.RunRequest)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", embedded.RunRequest, err))
	}
	return Metadata{
		ID:          TextbookID,
		Name:        "Textbook",
		Description: "Plans, researches, writes and validates a textbook on a topic and builds its knowledge graph.",
		Version:     "1.0.0",
		Tags:        []string{"textbook", "knowledge-graph"},
		InputSchema: schema,
	}
}
