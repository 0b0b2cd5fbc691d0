package sandbox

import (
	"fmt"
	"sort"
	"sync"
)

// Registry scopes sandbox managers by namespace and name so the API and the
// project runner share instances.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

func registryKey(namespace, name string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/" + name
}

// GetOrCreate returns the existing manager for the namespace/name pair or
// creates one through the factory. Creation is serialized; the factory runs
// at most once per key.
func (r *Registry) GetOrCreate(namespace, name string, create func() (*Manager, error)) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(namespace, name)
	if manager, ok := r.managers[key]; ok {
		return manager, nil
	}
	manager, err := create()
	if err != nil {
		return nil, err
	}
	r.managers[key] = manager
	return manager, nil
}

// Get returns the manager for the pair, or an error naming it.
func (r *Registry) Get(namespace, name string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	manager, ok := r.managers[registryKey(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox %q in namespace %q", name, namespaceOrDefault(namespace))
	}
	return manager, nil
}

// Remove drops the manager for the pair. The caller is responsible for
// stopping it first.
func (r *Registry) Remove(namespace, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, registryKey(namespace, name))
}

// List returns all managers ordered by key for stable presentation.
func (r *Registry) List() []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.managers))
	for key := range r.managers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]*Manager, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.managers[key])
	}
	return out
}

func namespaceOrDefault(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}
