package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Summary is the listing shape for registered workflows.
type Summary struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Registry holds the workflow definitions, keyed by type. Registration
// validates and replaces; reads are lock-free copies.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]WorkflowDefinition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]WorkflowDefinition)}
}

// Register validates def and stores it, replacing any previous definition of
// the same type. Unreachable states are logged, not rejected.
func (r *Registry) Register(def WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if unreachable := def.UnreachableStates(); len(unreachable) > 0 {
		log.Warn().
			Str("workflowType", def.Type).
			Strs("states", unreachable).
			Msg("workflow definition has unreachable states")
	}
	r.mu.Lock()
	_, replaced := r.defs[def.Type]
	r.defs[def.Type] = def
	r.mu.Unlock()
	if replaced {
		log.Info().Str("workflowType", def.Type).Msg("workflow definition replaced")
	} else {
		log.Info().Str("workflowType", def.Type).Msg("workflow definition registered")
	}
	return nil
}

// Get returns the definition for workflowType.
func (r *Registry) Get(workflowType string) (WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[workflowType]
	return def, ok
}

// List enumerates registered workflows sorted by type.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, Summary{Type: def.Type, Name: def.Name, Description: def.Description})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// TerminalStates is the union of final state names across every registered
// definition, sorted. Retention jobs use it to pick purgeable records.
func (r *Registry) TerminalStates() []string {
	seen := map[string]bool{}
	r.mu.RLock()
	for _, def := range r.defs {
		for _, name := range def.finalStates() {
			seen[name] = true
		}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
