package app

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestRunHeartbeatKeyAndPayload(t *testing.T) {
	started := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("CET", 3600))
	hb := newRunHeartbeat("abc", 9, started)

	if got := hb.key(); got != "mtdbench:run:abc" {
		t.Fatalf("key = %q, want mtdbench:run:abc", got)
	}
	if hb.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", hb.PID, os.Getpid())
	}
	if hb.StartedAt.Location() != time.UTC {
		t.Fatalf("started_at location = %v, want UTC", hb.StartedAt.Location())
	}

	raw, err := json.Marshal(hb)
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if decoded["run_id"] != "abc" || decoded["seed"] != float64(9) {
		t.Fatalf("payload = %v, want run_id abc and seed 9", decoded)
	}
}
