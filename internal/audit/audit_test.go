package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stationhq/conductor/internal/events"
)

func TestTrailWritesRedactedJSONL(t *testing.T) {
	dir := t.TempDir()
	trail, err := NewTrail(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	defer trail.Close()

	env, err := events.New(events.TypeTaskFailed, "s1", "devo", events.VisibilityExternal,
		events.TaskPayload{TaskID: "t1", Error: "auth failed: api_key=abcd1234efgh5678ijkl9012"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := trail.Handle(context.Background(), env.WithTurn("turn1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("audit file empty")
	}
	line := scanner.Text()

	var e map[string]any
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("line not JSON: %v", err)
	}
	if e["type"] != string(events.TypeTaskFailed) || e["session_id"] != "s1" || e["turn_id"] != "turn1" {
		t.Fatalf("entry = %v", e)
	}
	if strings.Contains(line, "abcd1234efgh5678ijkl9012") {
		t.Fatal("secret leaked into audit log")
	}
	if !strings.Contains(line, "REDACTED") {
		t.Fatalf("no redaction marker in %q", line)
	}
}
