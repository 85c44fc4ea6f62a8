package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
)

// Registry maps task kinds to compiled JSON schemas. Payloads are validated
// at submission, not at execution, so a malformed task is rejected before it
// ever occupies a queue slot.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema

	// strict rejects kinds that have no registered schema. When false,
	// unknown kinds pass validation unchecked.
	strict bool
}

// NewRegistry creates an empty kind registry. In strict mode every submitted
// kind must have a registered schema.
func NewRegistry(strict bool) *Registry {
	return &Registry{
		schemas: make(map[string]*jsonschema.Schema),
		strict:  strict,
	}
}

// Register compiles schemaJSON and associates it with kind. Registering the
// same kind twice replaces the previous schema.
func (r *Registry) Register(kind, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	resource := kind + ".schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader([]byte(schemaJSON))); err != nil {
		return fmt.Errorf("task: add schema for kind %q: %w", kind, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("task: compile schema for kind %q: %w", kind, err)
	}

	r.mu.Lock()
	r.schemas[kind] = schema
	r.mu.Unlock()
	return nil
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	return kinds
}

// Validate checks payload against the schema registered for kind.
// A validation failure is structural: the caller must reject the task
// outright rather than enqueue it for retry.
func (r *Registry) Validate(kind string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()

	if !ok {
		if r.strict {
			return fmt.Errorf("%w: %q", sched.ErrKindNotFound, kind)
		}
		return nil
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("%w: kind %q: %v", sched.ErrPayloadInvalid, kind, err)
	}
	if err := schema.Validate(data); err != nil {
		return fmt.Errorf("%w: kind %q: %v", sched.ErrPayloadInvalid, kind, err)
	}
	return nil
}
