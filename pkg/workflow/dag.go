package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// graphBuilder validates dependent resource specs and links them into nodes.
type graphBuilder struct {
	nodes  []*Node
	byName map[string]*Node
}

// buildGraph validates specs and returns the nodes in topological order
// together with the level sets.
func buildGraph(specs []DependentResourceSpec) ([]*Node, [][]*Node, error) {
	b := &graphBuilder{byName: make(map[string]*Node, len(specs))}

	if err := b.initialize(specs); err != nil {
		return nil, nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, nil, err
	}

	order, err := b.sort()
	if err != nil {
		return nil, nil, err
	}

	return order, b.levels(order), nil
}

// initialize indexes the specs and links dependency edges.
func (b *graphBuilder) initialize(specs []DependentResourceSpec) error {
	// First pass: index all nodes
	for i, spec := range specs {
		if spec.Name == "" {
			return engine.NewConfigurationError(fmt.Sprintf("dependent resource #%d has empty name", i), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if _, exists := b.byName[spec.Name]; exists {
			return engine.NewConfigurationError(fmt.Sprintf("duplicate dependent resource name: %s", spec.Name), nil).
				WithCode(engine.ErrCodeDuplicateName).
				WithResource(spec.Name)
		}
		if spec.Operations.Reconcile == nil {
			return engine.NewConfigurationError(fmt.Sprintf("dependent resource %s has no reconcile operation", spec.Name), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(spec.Name)
		}
		if spec.Kind == "" {
			spec.Kind = spec.Name
		}
		spec.DependsOn = append([]string(nil), spec.DependsOn...)

		node := &Node{spec: spec, index: i}
		b.nodes = append(b.nodes, node)
		b.byName[spec.Name] = node
	}

	// Second pass: link edges
	for _, node := range b.nodes {
		seen := make(map[string]bool, len(node.spec.DependsOn))
		for _, dep := range node.spec.DependsOn {
			if dep == node.Name() {
				return engine.NewConfigurationError(fmt.Sprintf("dependent resource %s depends on itself", dep), nil).
					WithCode(engine.ErrCodeCycle).
					WithResource(dep)
			}
			target, exists := b.byName[dep]
			if !exists {
				return engine.NewConfigurationError(
					fmt.Sprintf("dependent resource %s depends on unknown resource %s", node.Name(), dep), nil,
				).WithCode(engine.ErrCodeUnknownDependency).WithResource(node.Name())
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			node.dependsOn = append(node.dependsOn, target)
			target.dependents = append(target.dependents, node)
		}
	}

	return nil
}

// detectCycles runs a depth-first search from every node so that cycles
// unreachable from the top-level nodes are found as well.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[*Node]bool, len(b.nodes))
	recStack := make(map[*Node]bool, len(b.nodes))

	for _, node := range b.nodes {
		if visited[node] {
			continue
		}
		if cycle := b.detectCyclesUtil(node, visited, recStack, nil); cycle != nil {
			return engine.NewConfigurationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
			).WithCode(engine.ErrCodeCycle)
		}
	}

	return nil
}

func (b *graphBuilder) detectCyclesUtil(node *Node, visited, recStack map[*Node]bool, path []*Node) []*Node {
	visited[node] = true
	recStack[node] = true
	path = append(path, node)

	for _, dep := range node.dependsOn {
		if !visited[dep] {
			if cycle := b.detectCyclesUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, n := range path {
				if n == dep {
					cycle := append([]*Node(nil), path[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	recStack[node] = false
	return nil
}

// sort orders nodes with Kahn's algorithm. Among ready nodes the one declared
// first wins, so the order is stable for a given input.
func (b *graphBuilder) sort() ([]*Node, error) {
	inDegree := make(map[*Node]int, len(b.nodes))
	ready := make([]*Node, 0)
	for _, node := range b.nodes {
		inDegree[node] = len(node.dependsOn)
		if inDegree[node] == 0 {
			ready = append(ready, node)
		}
	}

	order := make([]*Node, 0, len(b.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		node := ready[0]
		ready = ready[1:]

		node.order = len(order)
		order = append(order, node)

		for _, dependent := range node.dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(b.nodes) {
		return nil, engine.NewConfigurationError("failed to order all dependent resources - possible cycle", nil).
			WithCode(engine.ErrCodeCycle)
	}
	return order, nil
}

// levels groups nodes by depth. Nodes at the same level are independent.
func (b *graphBuilder) levels(order []*Node) [][]*Node {
	levels := make([][]*Node, 0)
	for _, node := range order {
		level := 0
		for _, dep := range node.dependsOn {
			if dep.level+1 > level {
				level = dep.level + 1
			}
		}
		node.level = level
		for len(levels) <= level {
			levels = append(levels, nil)
		}
		levels[level] = append(levels[level], node)
	}
	return levels
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []*Node) string {
	names := make([]string, len(cycle))
	for i, n := range cycle {
		names[i] = n.Name()
	}
	return strings.Join(names, " -> ")
}

// ToDOT generates a DOT representation of the workflow for Graphviz. Edges
// point from a dependency to its dependent.
func (w *Workflow) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", w.name))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, nodes := range w.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, node := range nodes {
			label := fmt.Sprintf("%s\\n%s", node.Name(), node.Kind())
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				node.Name(), label, nodeColor(node.Operations())))
		}

		sb.WriteString("  }\n\n")
	}

	for _, node := range w.order {
		for _, dep := range node.dependsOn {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep.Name(), node.Name()))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// nodeColor returns a fill color by capability.
func nodeColor(ops Operations) string {
	switch {
	case ops.GarbageCollected:
		return "lightgray"
	case ops.Deletable():
		return "lightblue"
	default:
		return "white"
	}
}
