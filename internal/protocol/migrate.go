package protocol

import (
	"fmt"
)

// MigrationFn transforms a raw, already-parsed plan document from one
// protocol version to another. It must not mutate its input in place.
type MigrationFn func(map[string]interface{}) (map[string]interface{}, error)

type migrationEdge struct {
	from, to string
	fn       MigrationFn
}

// MigrationRegistry holds the graph of registered (from, to) migrations and
// finds a path between two versions with breadth-first search, mirroring
// the original implementation's MigrationRegistry.find_path.
type MigrationRegistry struct {
	edges []migrationEdge
}

// NewMigrationRegistry returns a registry pre-seeded with the built-in
// 1.0 -> 2.0 migration.
func NewMigrationRegistry() *MigrationRegistry {
	r := &MigrationRegistry{}
	r.Register("1.0", "2.0", migrateV1ToV2)
	return r
}

// Register adds a directed migration edge from -> to.
func (r *MigrationRegistry) Register(from, to string, fn MigrationFn) {
	r.edges = append(r.edges, migrationEdge{from: from, to: to, fn: fn})
}

// FindPath returns the ordered list of edges to walk from `from` to `to`,
// or an error if no path exists. Breadth-first search guarantees the
// shortest chain of migrations is applied.
func (r *MigrationRegistry) FindPath(from, to string) ([]migrationEdge, error) {
	if from == to {
		return nil, nil
	}
	type node struct {
		version string
		path    []migrationEdge
	}
	visited := map[string]bool{from: true}
	queue := []node{{version: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range r.edges {
			if e.from != cur.version || visited[e.to] {
				continue
			}
			path := append(append([]migrationEdge{}, cur.path...), e)
			if e.to == to {
				return path, nil
			}
			visited[e.to] = true
			queue = append(queue, node{version: e.to, path: path})
		}
	}
	return nil, fmt.Errorf("no migration path from %q to %q", from, to)
}

// MigrationPipeline upgrades a raw parsed document to the target protocol
// version by walking the registry's migration graph.
type MigrationPipeline struct {
	registry *MigrationRegistry
	target   string
}

// NewMigrationPipeline builds a pipeline targeting the given protocol
// version, using the default registry (built-in migrations only).
func NewMigrationPipeline(target string) *MigrationPipeline {
	return &MigrationPipeline{registry: NewMigrationRegistry(), target: target}
}

// Registry exposes the underlying registry so callers can register
// additional migrations before calling Upgrade.
func (p *MigrationPipeline) Registry() *MigrationRegistry { return p.registry }

// Upgrade walks the migration path from doc's declared protocol_version to
// the pipeline's target version, applying each edge's transform in order.
func (p *MigrationPipeline) Upgrade(doc map[string]interface{}) (map[string]interface{}, error) {
	from, _ := doc["protocol_version"].(string)
	if from == "" {
		from = "1.0"
	}
	path, err := p.registry.FindPath(from, p.target)
	if err != nil {
		return nil, err
	}
	cur := doc
	for _, edge := range path {
		cur, err = edge.fn(cur)
		if err != nil {
			return nil, fmt.Errorf("migration %s->%s: %w", edge.from, edge.to, err)
		}
	}
	return cur, nil
}

// migrateV1ToV2 renames the 1.0 "steps" list to "actions", injects
// defaults (on_error=abort, timeout_seconds=60) missing from 1.0 plans, and
// normalizes each step's old type/name keys and positional param lists into
// the 2.0 module/action/params shape.
func migrateV1ToV2(doc map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	delete(out, "steps")
	out["protocol_version"] = "2.0"

	rawSteps, _ := doc["steps"].([]interface{})
	actions := make([]interface{}, 0, len(rawSteps))
	for _, rs := range rawSteps {
		step, ok := rs.(map[string]interface{})
		if !ok {
			continue
		}
		action := make(map[string]interface{}, len(step))
		for k, v := range step {
			action[k] = v
		}
		if typ, ok := action["type"]; ok {
			action["module"] = typ
			delete(action, "type")
		}
		if name, ok := action["name"]; ok {
			action["action"] = name
			delete(action, "name")
		}
		if _, ok := action["on_error"]; !ok {
			action["on_error"] = "abort"
		}
		if _, ok := action["timeout_seconds"]; !ok {
			action["timeout_seconds"] = 60
		}
		if argList, ok := action["args"].([]interface{}); ok {
			params := map[string]interface{}{}
			if existing, ok := action["params"].(map[string]interface{}); ok {
				for k, v := range existing {
					params[k] = v
				}
			}
			for i, a := range argList {
				params[fmt.Sprintf("arg_%d", i)] = a
			}
			action["params"] = params
			delete(action, "args")
		}
		actions = append(actions, action)
	}
	out["actions"] = actions
	return out, nil
}
