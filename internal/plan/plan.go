// Package plan turns a requested task into an ordered execution plan.
package plan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/conduit/internal/task"
)

// Plan is one topological ordering of a task's dependency closure.
type Plan struct {
	// Root names the requested task; plans for several roots join their
	// names with commas.
	Root  string   `json:"root"`
	Order []string `json:"order"`
	// Deps holds the declared dependencies of every task in Order.
	Deps        map[string][]string `json:"deps"`
	Fingerprint string              `json:"fingerprint"`
}

// Resolve walks the registry depth-first from root, placing every dependency
// before its dependents. Siblings are visited in declared order, so the result
// is stable for a fixed registry.
func Resolve(reg *task.Registry, root string) (*Plan, error) {
	return ResolveAll(reg, []string{root})
}

// ResolveAll merges the closures of several roots into one plan, walking the
// roots in the given order.
func ResolveAll(reg *task.Registry, roots []string) (*Plan, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("no task requested")
	}
	for _, root := range roots {
		if _, err := reg.Lookup(root); err != nil {
			return nil, err
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	deps := make(map[string][]string)
	var order []string

	var walk func(name string, stack []string) error
	walk = func(name string, stack []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			idx := 0
			for i := range stack {
				if stack[i] == name {
					idx = i
					break
				}
			}
			cycle := append(append([]string{}, stack[idx:]...), name)
			return &task.CyclicDependencyError{Cycle: cycle}
		}

		t, err := reg.Lookup(name)
		if err != nil {
			return err
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range t.Dependencies {
			if !reg.Has(dep) {
				return &task.UnknownDependencyError{Task: name, Dependency: dep}
			}
			if err := walk(dep, stack); err != nil {
				return err
			}
		}
		state[name] = done
		deps[name] = append([]string(nil), t.Dependencies...)
		order = append(order, name)
		return nil
	}

	for _, root := range roots {
		if err := walk(root, nil); err != nil {
			return nil, err
		}
	}

	p := &Plan{Root: strings.Join(roots, ","), Order: order, Deps: deps}
	p.Fingerprint = fingerprint(p)
	return p, nil
}

// Dependents returns every task in the plan that transitively depends on
// name, in plan order.
func (p *Plan) Dependents(name string) []string {
	reverse := make(map[string][]string, len(p.Deps))
	for t, ds := range p.Deps {
		for _, d := range ds {
			reverse[d] = append(reverse[d], t)
		}
	}

	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range reverse[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for _, t := range p.Order {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}

func fingerprint(p *Plan) string {
	type edge struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	edges := make([]edge, 0)
	for t, ds := range p.Deps {
		for _, d := range ds {
			edges = append(edges, edge{From: d, To: t})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From == edges[j].From {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})

	shape := struct {
		Root  string   `json:"root"`
		Order []string `json:"order"`
		Edges []edge   `json:"edges"`
	}{p.Root, p.Order, edges}

	data, err := json.Marshal(shape)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}
