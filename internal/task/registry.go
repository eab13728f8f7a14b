package task

// Registry stores task definitions by name and remembers registration order.
type Registry struct {
	tasks    map[string]*Task
	order    []string
	deferred bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithDeferredValidation lets tasks reference dependencies that are registered
// later. Missing names are then reported by Validate or at resolution time.
func WithDeferredValidation() Option {
	return func(r *Registry) { r.deferred = true }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tasks: make(map[string]*Task)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a task. Dependencies are kept in declared order, which the
// resolver uses as its tie-break.
func (r *Registry) Register(name string, deps []string, action Action) error {
	return r.Add(&Task{Name: name, Dependencies: deps, Action: action})
}

// Add registers a fully described task.
func (r *Registry) Add(t *Task) error {
	if _, exists := r.tasks[t.Name]; exists {
		return &DuplicateTaskError{Name: t.Name}
	}
	if !r.deferred {
		for _, dep := range t.Dependencies {
			if _, ok := r.tasks[dep]; !ok {
				return &UnknownDependencyError{Task: t.Name, Dependency: dep}
			}
		}
	}

	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	r.tasks[t.Name] = &cp
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup returns the named task.
func (r *Registry) Lookup(name string) (*Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return nil, &TaskNotFoundError{Name: name}
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tasks[name]
	return ok
}

// Names returns task names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int { return len(r.order) }

// Validate checks every dependency reference. It only finds problems for
// registries built with WithDeferredValidation.
func (r *Registry) Validate() error {
	for _, name := range r.order {
		for _, dep := range r.tasks[name].Dependencies {
			if _, ok := r.tasks[dep]; !ok {
				return &UnknownDependencyError{Task: name, Dependency: dep}
			}
		}
	}
	return nil
}
