package id_test

import (
	"encoding/json"
	"testing"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
)

func TestNewAndParse(t *testing.T) {
	taskID := id.NewTaskID()
	if taskID.IsNil() {
		t.Fatal("NewTaskID returned nil ID")
	}
	if taskID.Prefix() != id.PrefixTask {
		t.Fatalf("prefix = %q, want %q", taskID.Prefix(), id.PrefixTask)
	}

	parsed, err := id.ParseTaskID(taskID.String())
	if err != nil {
		t.Fatalf("ParseTaskID error: %v", err)
	}
	if parsed.String() != taskID.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), taskID.String())
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	workerID := id.NewWorkerID()
	if _, err := id.ParseTaskID(workerID.String()); err == nil {
		t.Fatal("expected error parsing worker ID as task ID")
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error parsing empty string")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	leaseID := id.NewLeaseID()

	data, err := json.Marshal(leaseID)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.String() != leaseID.String() {
		t.Fatalf("json round trip mismatch: %q != %q", decoded.String(), leaseID.String())
	}
}

func TestNilIDMarshalsEmpty(t *testing.T) {
	var nilID id.ID
	data, err := nilID.MarshalText()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("nil ID marshalled to %q, want empty", data)
	}
}
