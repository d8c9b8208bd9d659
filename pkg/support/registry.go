package support

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/types"
)

// Registration binds a factory to the projects it applies to
type Registration struct {
	// Type is the strategy tag; the factory's own type when empty
	Type       string
	Applicable Predicate
	Factory    Factory
}

// Registry selects a factory per project. Registrations are consulted in
// order and the first applicable one wins; the local factory is the fallback.
type Registry struct {
	mu     sync.RWMutex
	regs   []*Registration
	local  Factory
	logger logger.Logger
}

// NewRegistry creates a registry falling back to local
func NewRegistry(local Factory, log logger.Logger) *Registry {
	return &Registry{
		local:  local,
		logger: logger.WithComponent(log, "registry"),
	}
}

// Register appends reg. The returned func removes it and is idempotent.
func (r *Registry) Register(reg Registration) func() {
	if reg.Type == "" && reg.Factory != nil {
		reg.Type = reg.Factory.Type()
	}
	entry := &reg

	r.mu.Lock()
	r.regs = append(r.regs, entry)
	r.mu.Unlock()

	r.logger.WithField(logger.FieldFactoryType, reg.Type).Debug("Registered build server factory")

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.regs {
			if e == entry {
				r.regs = append(r.regs[:i:i], r.regs[i+1:]...)
				return
			}
		}
	}
}

// ForProject returns the factory for project. It never fails.
func (r *Registry) ForProject(project types.Project) Factory {
	r.mu.RLock()
	regs := make([]*Registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.RUnlock()

	for _, reg := range regs {
		if reg.Factory == nil || reg.Applicable == nil {
			continue
		}
		if r.applies(reg, project) {
			return reg.Factory
		}
	}
	return r.local
}

// applies evaluates the predicate; a panicking predicate does not apply
func (r *Registry) applies(reg *Registration, project types.Project) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(map[string]interface{}{
				logger.FieldFactoryType: reg.Type,
				logger.FieldError:       fmt.Sprint(rec),
				"project":               project.ID(),
			}).Error("Applicability check panicked, skipping factory")
			ok = false
		}
	}()
	return reg.Applicable(project)
}

// Factories lists the registered factories in order, then the local one
func (r *Registry) Factories() []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Factory, 0, len(r.regs)+1)
	for _, reg := range r.regs {
		if reg.Factory != nil {
			out = append(out, reg.Factory)
		}
	}
	return append(out, r.local)
}

// Close disposes every factory's processes. Used at host shutdown.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	seen := make(map[Factory]bool)
	for _, f := range r.Factories() {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		if err := f.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Type(), err))
		}
	}
	return errors.Join(errs...)
}
