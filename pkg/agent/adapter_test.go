package agent

import (
	"testing"

	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
)

func TestParseOneShotJSONExtractsResultAndUsage(t *testing.T) {
	raw := []byte(`{
		"result": "hello world",
		"usage": {"input_tokens": 10, "output_tokens": 5, "cache_read_input_tokens": 2, "cache_creation_tokens": 1},
		"total_cost_usd": 0.0123,
		"duration_ms": 456,
		"modelUsage": {"claude-sonnet-4": {}}
	}`)
	result, usage, ok := parseOneShotJSON(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if result != "hello world" {
		t.Fatalf("result = %q", result)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", usage)
	}
	if usage.Model != "claude-sonnet-4" {
		t.Fatalf("model = %q", usage.Model)
	}
}

func TestParseOneShotJSONRejectsNonJSON(t *testing.T) {
	_, _, ok := parseOneShotJSON([]byte("not json"))
	if ok {
		t.Fatal("expected ok=false for non-JSON stdout")
	}
}

func TestBuildArgsClaudeSessionFlagFirstSendVsResume(t *testing.T) {
	a := &Adapter{name: "claude", cfg: testClaudeConfig()}

	first := a.buildArgs("hi", "sess-1", "", nil, true)
	if !containsPair(first, "--session-id", "sess-1") {
		t.Fatalf("first send args missing --session-id: %v", first)
	}

	later := a.buildArgs("hi", "sess-1", "", nil, false)
	if !containsPair(later, "--resume", "sess-1") {
		t.Fatalf("subsequent send args missing --resume: %v", later)
	}
}

func TestBuildArgsAppliesModelAlias(t *testing.T) {
	a := &Adapter{name: "claude", cfg: testClaudeConfig()}
	args := a.buildArgs("hi", "sess-1", "sonnet", nil, true)
	if !containsPair(args, "--model", "claude-sonnet-4") {
		t.Fatalf("args missing resolved model flag: %v", args)
	}
}

func testClaudeConfig() config.AgentAdapterConfig {
	return config.AgentAdapterConfig{
		Shape:           "oneshot",
		Family:          "claude",
		Command:         "claude",
		ArgsTemplate:    []string{"-p", "{prompt}", "--output-format", "json"},
		Models:          map[string]string{"sonnet": "claude-sonnet-4"},
		SupportedParams: map[string]string{"model": "--model"},
	}
}

func containsPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
