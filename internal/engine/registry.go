package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/flume/pkg/api"
)

// flowRegistry holds compiled flow definitions by name and version.
// Versions are a per-name counter starting at 1; every Reload appends the
// next version and new instances pick up the latest, while suspended
// instances keep resolving the exact version recorded in their snapshot.
// Versions are never removed while the registry lives.
type flowRegistry struct {
	mu     sync.RWMutex
	byName map[string][]*api.FlowDefinition
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{
		byName: make(map[string][]*api.FlowDefinition),
	}
}

func (r *flowRegistry) Register(def *api.FlowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("flow %q already registered", def.Name)
	}

	d := *def
	d.Version = 1
	r.byName[def.Name] = []*api.FlowDefinition{&d}
	return nil
}

// Reload swaps in a new tree for an existing name and returns the new
// version. The swap is atomic from a reader's perspective.
func (r *flowRegistry) Reload(def *api.FlowDefinition) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, exists := r.byName[def.Name]
	if !exists {
		return 0, fmt.Errorf("flow %q not registered", def.Name)
	}

	d := *def
	d.Version = len(versions) + 1
	r.byName[def.Name] = append(versions, &d)
	return d.Version, nil
}

// Latest returns the most recently registered version of a flow.
func (r *flowRegistry) Latest(name string) (*api.FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("flow %q not found", name)
	}
	return versions[len(versions)-1], nil
}

// Version returns an exact flow version.
func (r *flowRegistry) Version(name string, version int) (*api.FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("flow %q version %d not found", name, version)
	}
	return versions[version-1], nil
}

// Versions returns the number of registered versions of a flow.
func (r *flowRegistry) Versions(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName[name])
}
