package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestLogEventCarriesRunInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	ctx := WithRunInfo(context.Background(), RunInfo{RunID: "run_x", TickNumber: 42, OrganismID: 7})
	LogEvent(ctx, "info", "tick_committed", map[string]any{"failures": 0})

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("output is not one JSON line: %v\n%s", err, buf.String())
	}
	if payload["run_id"] != "run_x" {
		t.Errorf("run_id = %v", payload["run_id"])
	}
	if payload["tick"] != float64(42) {
		t.Errorf("tick = %v", payload["tick"])
	}
	if payload["organism_id"] != float64(7) {
		t.Errorf("organism_id = %v", payload["organism_id"])
	}
	if payload["event"] != "tick_committed" {
		t.Errorf("event = %v", payload["event"])
	}
}

func TestLogEventRedactsDSN(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	LogEvent(context.Background(), "info", "sink_opened", map[string]any{
		"dsn": "postgres://user:hunter2@db/evocore",
	})
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("DSN leaked into log output: %s", buf.String())
	}
}

func TestRedactValueSensitiveKeys(t *testing.T) {
	input := map[string]any{
		"shape": []any{"8", "8"},
		"seed":  "0xdeadbeef",
		"sink": map[string]any{
			"dsn":     "postgres://u:p@h/db",
			"retries": float64(3),
		},
	}
	want := map[string]any{
		"shape": []any{"8", "8"},
		"seed":  redactedValue,
		"sink": map[string]any{
			"dsn":     redactedValue,
			"retries": float64(3),
		},
	}
	got := RedactValue(input)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RedactValue = %#v, want %#v", got, want)
	}
}

func TestRunInfoFromEmptyContext(t *testing.T) {
	info := RunInfoFromContext(context.Background())
	if info.RunID != "" || info.TickNumber != 0 || info.OrganismID != 0 {
		t.Errorf("empty context produced %+v", info)
	}
}

func TestCounterAndGaugeExposition(t *testing.T) {
	r := NewRegistry()
	failures := r.NewCounter("evocore_instruction_failures_total", "Instruction failures by kind.")
	live := r.NewGauge("evocore_live_organisms", "Live organisms.")

	failures.Inc("kind", "division_by_zero")
	failures.Add(2, "kind", "label_not_found")
	failures.Add(-5, "kind", "label_not_found") // dropped: monotonic
	live.Set(3)
	live.Add(-1)

	if v := failures.Value("kind", "label_not_found"); v != 2 {
		t.Errorf("counter value = %v, want 2", v)
	}
	if v := live.Value(); v != 2 {
		t.Errorf("gauge value = %v, want 2", v)
	}

	var buf bytes.Buffer
	r.WriteText(&buf)
	text := buf.String()
	for _, want := range []string{
		"# TYPE evocore_instruction_failures_total counter",
		`evocore_instruction_failures_total{kind="division_by_zero"} 1`,
		`evocore_instruction_failures_total{kind="label_not_found"} 2`,
		"# TYPE evocore_live_organisms gauge",
		"evocore_live_organisms 2",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q:\n%s", want, text)
		}
	}
}

func TestNewRunIDUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Error("NewRunID returned duplicates")
	}
	if !strings.HasPrefix(a, "run_") {
		t.Errorf("NewRunID = %q, want run_ prefix", a)
	}
}
