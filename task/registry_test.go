package task_test

import (
	"errors"
	"testing"

	sched "github.com/Benjamindaoson/agentic-delivery-os-sub002"
	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

const promptSchema = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2}
	}
}`

func TestRegistryValidate(t *testing.T) {
	reg := task.NewRegistry(false)
	if err := reg.Register("generate", promptSchema); err != nil {
		t.Fatalf("register error: %v", err)
	}

	tests := []struct {
		name    string
		kind    string
		payload string
		wantErr error
	}{
		{"valid payload", "generate", `{"prompt": "hello", "temperature": 0.7}`, nil},
		{"missing required field", "generate", `{"temperature": 0.7}`, sched.ErrPayloadInvalid},
		{"wrong type", "generate", `{"prompt": 42}`, sched.ErrPayloadInvalid},
		{"not json", "generate", `{{`, sched.ErrPayloadInvalid},
		{"unknown kind passes in lax mode", "score", `{"anything": true}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.kind, []byte(tt.payload))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryStrictMode(t *testing.T) {
	reg := task.NewRegistry(true)
	err := reg.Validate("unregistered", []byte(`{}`))
	if !errors.Is(err, sched.ErrKindNotFound) {
		t.Fatalf("error = %v, want ErrKindNotFound", err)
	}
}

func TestClampPriority(t *testing.T) {
	for _, tt := range []struct{ in, want int }{
		{0, 1}, {1, 1}, {5, 5}, {9, 9}, {12, 9}, {-3, 1},
	} {
		if got := task.ClampPriority(tt.in); got != tt.want {
			t.Errorf("ClampPriority(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
