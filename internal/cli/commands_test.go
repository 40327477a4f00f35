package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/perplexo/gateway/internal/querylog"
	"github.com/perplexo/gateway/internal/replay"
)

// runRoot executes the root command with args and returns its stdout.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PERPLEXITY_SESSION_TOKEN", "")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	err := cmd.Execute()
	return out.String(), err
}

func writeEventsFixture(t *testing.T) string {
	t.Helper()

	events := `[
  {
    "time": "2024-01-01T00:00:00Z",
    "user_id": 1,
    "channel": "telegram",
    "kind": "search",
    "decision": {"allowed": true, "remaining": 4, "limit": 5}
  },
  {
    "time": "2024-01-01T00:00:10Z",
    "user_id": 1,
    "channel": "telegram",
    "kind": "vision",
    "decision": {"allowed": true, "remaining": 3, "limit": 5}
  },
  {
    "time": "2024-01-01T00:00:20Z",
    "user_id": 2,
    "channel": "whatsapp",
    "kind": "search",
    "decision": {"allowed": true, "remaining": 4, "limit": 5}
  }
]`
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(events), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestReplayCmd_JSON(t *testing.T) {
	path := writeEventsFixture(t)

	out, err := runRoot(t, "replay", "--file", path, "--max-requests", "1", "--json")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	var got struct {
		Results []replay.Result `json:"results"`
		Summary replay.Summary  `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got.Summary.Replayed != 3 {
		t.Errorf("replayed = %d, want 3", got.Summary.Replayed)
	}
	if got.Summary.Allowed != 2 || got.Summary.Denied != 1 {
		t.Errorf("allowed/denied = %d/%d, want 2/1", got.Summary.Allowed, got.Summary.Denied)
	}
	if got.Summary.Changed != 1 {
		t.Errorf("changed = %d, want 1", got.Summary.Changed)
	}
}

func TestReplayCmd_Filters(t *testing.T) {
	path := writeEventsFixture(t)

	out, err := runRoot(t, "replay", "--file", path, "--channels", "whatsapp")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !strings.Contains(out, "Replayed:       1") {
		t.Fatalf("expected one replayed event, got:\n%s", out)
	}
	if !strings.Contains(out, "user=2 channel=whatsapp") {
		t.Fatalf("expected whatsapp event line, got:\n%s", out)
	}
}

func TestReplayCmd_RequiresFile(t *testing.T) {
	if _, err := runRoot(t, "replay"); err == nil {
		t.Fatal("expected error without --file")
	}
}

func TestReplayCmd_LoadsConfigFile(t *testing.T) {
	path := writeEventsFixture(t)
	configPath := filepath.Join(t.TempDir(), "gateway.yaml")
	cfg := "limiter:\n  max_requests: 1\n  window_seconds: 60\nstorage:\n  backend: memory\n"
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"replay", "--file", path, "--config", configPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("replay with config failed: %v", err)
	}
	if !strings.Contains(out.String(), "Denied:         1") {
		t.Fatalf("config limit not applied:\n%s", out.String())
	}
}

func TestSimulateCmd_JSON(t *testing.T) {
	out, err := runRoot(t, "simulate", "--max-requests", "5", "--requests", "8", "--fast-forward", "2h", "--json")
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}

	var got SimulationResult
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(got.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(got.Batches))
	}
	s := got.Summary["1:telegram"]
	if s.TotalRequests != 16 || s.Allowed != 10 || s.Denied != 6 {
		t.Fatalf("summary = %+v, want 16 total, 10 allowed, 6 denied", s)
	}
}

func TestSimulateCmd_Text(t *testing.T) {
	out, err := runRoot(t, "simulate", "--max-requests", "2", "--requests", "3", "--users", "1,2", "--fast-forward", "1m", "--window", "10m")
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	if !strings.Contains(out, "2:telegram: 6 total, 2 allowed, 4 denied") {
		t.Errorf("missing per-key summary:\n%s", out)
	}
	if !strings.Contains(out, "Still limited after fast-forwarding 1m0s") {
		t.Errorf("missing still-limited verdict:\n%s", out)
	}
}

func TestGenerateEventsCmd_FeedsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	out, err := runRoot(t, "generate", "events", "--output", path, "--count", "40", "--users", "2", "--seed", "11", "--max-requests", "5")
	if err != nil {
		t.Fatalf("generate events failed: %v", err)
	}
	if !strings.Contains(out, "Generated 40 events") {
		t.Fatalf("unexpected output: %s", out)
	}

	events, err := querylog.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(events) != 40 {
		t.Fatalf("len(events) = %d, want 40", len(events))
	}

	// Replaying under the same policy reproduces every recorded decision.
	out, err = runRoot(t, "replay", "--file", path, "--max-requests", "5", "--json")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	var got struct {
		Summary replay.Summary `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.Summary.Changed != 0 {
		t.Fatalf("changed = %d, want 0", got.Summary.Changed)
	}
}

func TestGenerateConfigCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")

	if _, err := runRoot(t, "generate", "config", "--output", path); err != nil {
		t.Fatalf("generate config failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "max_requests") {
		t.Fatalf("config missing limiter section:\n%s", data)
	}

	if _, err := runRoot(t, "generate", "config", "--output", path); err == nil {
		t.Fatal("expected error when file exists")
	}
	if _, err := runRoot(t, "generate", "config", "--output", path, "--force"); err != nil {
		t.Fatalf("generate config --force failed: %v", err)
	}
}

func TestAskCmd_AnonymousSimulated(t *testing.T) {
	out, err := runRoot(t, "ask", "what", "is", "go", "--storage", "memory")
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if !strings.Contains(out, "outcome=simulated") {
		t.Fatalf("expected simulated outcome:\n%s", out)
	}
	if strings.Contains(out, "remaining=") {
		t.Fatalf("anonymous query should not report quota:\n%s", out)
	}
}

func TestAskCmd_RejectsEmptyQuery(t *testing.T) {
	if _, err := runRoot(t, "ask", "  ", "--storage", "memory"); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestAskCmd_MissingImageFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.jpg")
	_, err := runRoot(t, "ask", "what is this", "--image", missing, "--user", "3", "--storage", "memory")
	if err == nil {
		t.Fatal("expected error for missing image file")
	}
	if !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdminCmds_SQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "gateway.db")

	for i := 0; i < 2; i++ {
		out, err := runRoot(t, "ask", "hello", "--user", "7", "--db-path", db)
		if err != nil {
			t.Fatalf("ask %d failed: %v", i, err)
		}
		if !strings.Contains(out, "remaining=") {
			t.Fatalf("identified query should report quota:\n%s", out)
		}
	}

	out, err := runRoot(t, "quota", "7", "--db-path", db, "--json")
	if err != nil {
		t.Fatalf("quota failed: %v", err)
	}
	var usage struct {
		Used   int  `json:"used"`
		Active bool `json:"active"`
	}
	if err := json.Unmarshal([]byte(out), &usage); err != nil {
		t.Fatalf("decode quota: %v\n%s", err, out)
	}
	if usage.Used != 2 || !usage.Active {
		t.Fatalf("usage = %+v, want 2 used in an active window", usage)
	}

	out, err = runRoot(t, "stats", "7", "--db-path", db, "--json")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats querylog.UserStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v\n%s", err, out)
	}
	if stats.TotalQueries != 2 || stats.SuccessfulQueries != 2 {
		t.Fatalf("stats = %+v, want 2 total and 2 successful", stats)
	}

	out, err = runRoot(t, "logs", "prune", "--older-than", "1", "--db-path", db)
	if err != nil {
		t.Fatalf("logs prune failed: %v", err)
	}
	if !strings.Contains(out, "removed 0 entries") {
		t.Fatalf("unexpected prune output: %s", out)
	}
}

func TestQuotaCmd_InvalidUser(t *testing.T) {
	if _, err := runRoot(t, "quota", "abc", "--storage", "memory"); err == nil {
		t.Fatal("expected error for non-numeric user id")
	}
}
