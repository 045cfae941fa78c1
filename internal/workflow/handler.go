package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
)

// DefStore resolves a named, versioned WorkflowDef. The in-process
// dispatcher consults it once per submitted "workflow" kind run, the same
// way the teacher resolves a node graph by workflow id before running it.
type DefStore interface {
	Get(name string) (*model.WorkflowDef, bool)
}

// MemDefStore is a DefStore backed by a static map, for single-node
// deployments and tests where WorkflowDefs are loaded once at startup
// rather than edited through an admin surface.
type MemDefStore struct {
	mu   sync.RWMutex
	defs map[string]*model.WorkflowDef
}

// NewMemDefStore builds an empty MemDefStore.
func NewMemDefStore() *MemDefStore {
	return &MemDefStore{defs: map[string]*model.WorkflowDef{}}
}

// Put registers or replaces a WorkflowDef under its own Name.
func (s *MemDefStore) Put(def *model.WorkflowDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = def
}

// Get implements DefStore.
func (s *MemDefStore) Get(name string) (*model.WorkflowDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	return def, ok
}

// RegisterAll registers every WorkflowDef defs currently holds as a
// model.KindWorkflow handler in reg, so the Dispatcher can submit workflow
// runs by name the same way it submits tasks and operations. New defs
// added to defs after RegisterAll runs are not picked up automatically;
// call RegisterAll again (Registry.Register's override flag lets this be
// idempotent).
func RegisterAll(reg *registry.Registry, runner *Runner, defs *MemDefStore) error {
	defs.mu.RLock()
	names := make([]string, 0, len(defs.defs))
	for name := range defs.defs {
		names = append(names, name)
	}
	defs.mu.RUnlock()

	for _, name := range names {
		name := name
		handler := registry.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			def, ok := defs.Get(name)
			if !ok {
				return nil, fmt.Errorf("workflow: def %q no longer registered", name)
			}
			wfCtx := model.NewWorkflowContext(model.NewID(), params)
			outcome, err := runner.Execute(ctx, def, wfCtx, false)
			if err != nil {
				return nil, err
			}
			if outcome.Status == model.WorkflowFailed {
				return nil, fmt.Errorf("workflow %q completed with status %s", name, outcome.Status)
			}
			return map[string]any{
				"status": string(outcome.Status),
				"state":  wfCtx.State,
			}, nil
		})
		if err := reg.Register(model.KindWorkflow, name, handler, map[string]any{"version": -1}, true); err != nil {
			return fmt.Errorf("workflow: register %q: %w", name, err)
		}
	}
	return nil
}
