package events

import (
	"encoding/json"
	"strings"
	"testing"
)

// A failed wave result and an approval denial are carried by a false boolean;
// the persisted form must keep the field so replays can tell "failed" from
// "never recorded".
func TestFalseBooleansSurviveSerialization(t *testing.T) {
	raw, err := json.Marshal(ParallelPayload{ExecutionID: "e1", TaskID: "t1", Success: false})
	if err != nil {
		t.Fatalf("marshal parallel payload: %v", err)
	}
	if !strings.Contains(string(raw), `"success":false`) {
		t.Fatalf("parallel payload dropped success=false: %s", raw)
	}

	raw, err = json.Marshal(ApprovalPayload{ApprovalID: "a1", FromAgent: "chapo", Approved: false})
	if err != nil {
		t.Fatalf("marshal approval payload: %v", err)
	}
	if !strings.Contains(string(raw), `"approved":false`) {
		t.Fatalf("approval payload dropped approved=false: %s", raw)
	}
}
