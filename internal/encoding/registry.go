package encoding

import "github.com/miradorstack/mirador-triage/internal/registry"

// Registry holds every fitted encoding version by id.
type Registry = registry.Registry[*Version]

// NewRegistry builds an empty encoding registry.
func NewRegistry() *Registry {
	return registry.New[*Version]("encoding")
}
