package support

import (
	"context"

	"github.com/socialgouv/buildsrv/pkg/supervisor"
)

// Supervised is implemented by factories running their processes under a
// supervisor
type Supervised interface {
	Supervisor() *supervisor.Supervisor
}

// Supervisors returns the distinct supervisors behind the registered factories
func (r *Registry) Supervisors() []*supervisor.Supervisor {
	var out []*supervisor.Supervisor
	seen := make(map[*supervisor.Supervisor]bool)
	for _, f := range r.Factories() {
		s, ok := f.(Supervised)
		if !ok || s.Supervisor() == nil || seen[s.Supervisor()] {
			continue
		}
		seen[s.Supervisor()] = true
		out = append(out, s.Supervisor())
	}
	return out
}

// CheckHealth pings every running build server. Failures are keyed by
// supervisor name and handle id.
func (r *Registry) CheckHealth(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, s := range r.Supervisors() {
		for id, err := range s.CheckHealth(ctx) {
			failures[s.Name()+"/"+id] = err
		}
	}
	return failures
}

// Snapshot lists the handles held by each supervisor, by supervisor name
func (r *Registry) Snapshot() map[string][]supervisor.HandleInfo {
	out := make(map[string][]supervisor.HandleInfo)
	for _, s := range r.Supervisors() {
		out[s.Name()] = append(out[s.Name()], s.Snapshot()...)
	}
	return out
}
