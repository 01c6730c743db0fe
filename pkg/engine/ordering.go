package engine

import (
	"fmt"
	"strings"
)

// kindEdges is the static dependency table between resource kinds.
// An entry kindEdges[a] containing b means: actions on kind a must complete
// before actions on kind b within a cycle. The table replaces the ambient
// textual ordering of the shell scripts this engine supersedes
// ("stop Apache, then configure SELinux, then start Nginx").
var kindEdges = map[ResourceKind][]ResourceKind{
	KindService:        {KindPort},
	KindSELinuxBoolean: {KindService},
	KindSELinuxPort:    {KindService},
	KindCluster:        {KindNamespace},
	KindNamespace:      {KindHelmRelease},
	KindPath:           {KindHelmRelease},
}

// kindDependsOn reports whether units of kind b must wait for units of kind a.
func kindDependsOn(a, b ResourceKind) bool {
	for _, succ := range kindEdges[a] {
		if succ == b {
			return true
		}
	}
	return false
}

// GraphBuilder builds the dependency DAG over plan units.
// It validates dependencies, detects cycles, and assigns topological levels;
// units at the same level have no ordering constraint between them.
type GraphBuilder struct {
	// units maps plan unit IDs to their plan units
	units map[string]*PlanUnit

	// adjacencyList maps unit IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps unit IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to unit IDs at that level
	levels [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		units:                make(map[string]*PlanUnit),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// Build constructs the execution graph from plan units.
func (b *GraphBuilder) Build(units []PlanUnit) (*Graph, error) {
	if len(units) == 0 {
		return &Graph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

// initialize sets up the internal data structures from plan units.
func (b *GraphBuilder) initialize(units []PlanUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("plan unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}

		if _, exists := b.units[unit.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate plan unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.units[unit.ID] = unit
		b.adjacencyList[unit.ID] = make([]string, 0)
		b.reverseAdjacencyList[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, unit := range b.units {
		for _, targetID := range unit.Dependencies {
			if _, exists := b.units[targetID]; !exists {
				return NewPermanentError(
					fmt.Sprintf("plan unit %s depends on non-existent unit %s", unit.ID, targetID),
					nil,
				).WithCode(ErrCodeValidation).WithResource(unit.Resource.ID())
			}

			// Edge from dependency to unit: the dependency must complete first.
			b.adjacencyList[targetID] = append(b.adjacencyList[targetID], unit.ID)
			b.reverseAdjacencyList[unit.ID] = append(b.reverseAdjacencyList[unit.ID], targetID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for id := range b.units {
		if !visited[id] {
			if cycle, err := b.detectCyclesFrom(id, visited, recStack, path); err != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
					err,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

func (b *GraphBuilder) detectCyclesFrom(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesFrom(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[nodeID] = false
	return nil, nil
}

// computeLevels assigns execution levels using Kahn's algorithm.
// Units at the same level can be executed in parallel.
func (b *GraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int)
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.units) > 0 {
		return NewPermanentError("no root nodes found - all units have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	// Should never happen once cycle detection passed.
	if processedCount != len(b.units) {
		return NewPermanentError("failed to process all units - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildGraph creates the final Graph structure.
func (b *GraphBuilder) buildGraph() *Graph {
	graph := &Graph{
		Nodes: make(map[string]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, unitIDs := range b.levels {
		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			graph.Nodes[unitID] = &GraphNode{
				ID:           unitID,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[unitID],
				Dependents:   b.adjacencyList[unitID],
			}

			unit.Level = level

			if level == 0 {
				graph.Roots = append(graph.Roots, unitID)
			}
		}
	}

	for _, unit := range b.units {
		for _, targetID := range unit.Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: targetID,
				To:   unit.ID,
			})
		}
	}

	return graph
}

// Levels returns the computed execution levels.
func (b *GraphBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT generates a DOT representation of the graph for visualization
// with Graphviz tools.
func (b *GraphBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, unitIDs := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			label := fmt.Sprintf("%s\\n%s", unit.Resource.ID(), unit.ActionName)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\"];\n", unitID, label))
		}

		sb.WriteString("  }\n\n")
	}

	for _, unit := range b.units {
		for _, targetID := range unit.Dependencies {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", targetID, unit.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ValidateGraph performs additional validation on a built graph.
func (b *GraphBuilder) ValidateGraph(graph *Graph) error {
	if len(graph.Nodes) != len(b.units) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
