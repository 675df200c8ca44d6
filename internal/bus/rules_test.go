package bus

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func prEvent(action string) Event {
	return Event{
		Kind:   "pull_request",
		Action: action,
		Raw: []byte(`{
			"key": {"owner": "octocat", "repo": "hello-world", "number": 7},
			"event": {"kind": "pull_request", "pull_request": {"action": "` + action + `", "pull_request": {"number": 7, "merged": false}}}
		}`),
	}
}

// TestRuleEngineEvaluate tests that the rule engine correctly evaluates a simple rule.
func TestRuleEngineEvaluate(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `key.owner == "octocat"`, Emit: EmitList{"events.octocat"}},
			{When: `event.pull_request.action == "closed"`, Emit: EmitList{"pr.closed"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	matches := engine.Evaluate(prEvent("opened"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(matches))
	}
	if matches[0].Topic != "events.octocat" {
		t.Fatalf("expected topic events.octocat, got %q", matches[0].Topic)
	}
}

// TestRuleEngineEvaluateMissingField tests that the rule engine does not match a rule with a missing field.
func TestRuleEngineEvaluateMissingField(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "missing == true", Emit: EmitList{"never"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	matches := engine.Evaluate(Event{Kind: "pull_request", Raw: []byte(`{}`)})
	if len(matches) != 0 {
		t.Fatalf("expected no topics, got %d", len(matches))
	}
}

// TestRuleEngineWithDrivers tests that the rule engine correctly handles a rule with drivers specified.
func TestRuleEngineWithDrivers(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `event.kind == "pull_request"`, Emit: EmitList{"pr.events"}, Drivers: []string{"amqp", "http"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	matches := engine.Evaluate(prEvent("opened"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if len(matches[0].Drivers) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(matches[0].Drivers))
	}
}

// TestRuleEngineMultiTopic tests that one matching rule can emit several topics.
func TestRuleEngineMultiTopic(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `key.owner == "octocat"`, Emit: EmitList{"events.all", "events.octocat"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	matches := engine.Evaluate(prEvent("opened"))
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Topic != "events.all" || matches[1].Topic != "events.octocat" {
		t.Fatalf("unexpected topics: %q, %q", matches[0].Topic, matches[1].Topic)
	}
}

// TestRuleEngineJSONPathDot tests that the rule engine correctly handles a JSONPath expression with dot notation.
func TestRuleEngineJSONPathDot(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "$.event.pull_request.pull_request.merged == false", Emit: EmitList{"pr.open"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	matches := engine.Evaluate(prEvent("opened"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

// TestRuleEngineJSONPathIndex tests that the rule engine correctly handles a JSONPath expression with an index.
func TestRuleEngineJSONPathIndex(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `$.event.reviewers[0] == "alice"`, Emit: EmitList{"review.requested"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Kind: "pull_request",
		Raw:  []byte(`{"event":{"reviewers":["alice","bob"]}}`),
	}
	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

// TestRuleEngineBareDottedPath tests that dotted paths work without the JSONPath prefix.
func TestRuleEngineBareDottedPath(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `event.kind == "issue_comment" && event.issue_comment.comment.body == "LGTM!"`, Emit: EmitList{"comment.lgtm"}},
			{When: `reviewers[0] == "alice"`, Emit: EmitList{"review.requested"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Kind: "issue_comment",
		Raw: []byte(`{
			"reviewers": ["alice"],
			"event": {"kind": "issue_comment", "issue_comment": {"comment": {"body": "LGTM!"}}}
		}`),
	}
	matches := engine.Evaluate(event)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

// TestRuleEngineStrictMissing tests that the rule engine in strict mode does not match a rule with a missing field.
func TestRuleEngineStrictMissing(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "event.missing_field == true", Emit: EmitList{"never"}},
		},
		Strict: true,
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	matches := engine.Evaluate(prEvent("opened"))
	if len(matches) != 0 {
		t.Fatalf("expected no matches in strict mode, got %d", len(matches))
	}
}

func TestRuleEngineFunctions(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `contains(event.reviewers, "alice")`, Emit: EmitList{"review.requested"}},
			{When: `like(event.kind, "pull_%")`, Emit: EmitList{"pr.any"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Kind: "pull_request",
		Raw:  []byte(`{"event":{"kind":"pull_request","reviewers":["alice","bob"]}}`),
	}
	matches := engine.Evaluate(event)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

// TestRuleEngineBadExpression tests that compilation fails on malformed rules.
func TestRuleEngineBadExpression(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `event.kind == `, Emit: EmitList{"never"}},
		},
	}

	if _, err := NewRuleEngine(cfg); err == nil {
		t.Fatalf("expected error for malformed expression")
	}
}

// TestEmitListYAML tests that emit accepts both a scalar and a sequence.
func TestEmitListYAML(t *testing.T) {
	var cfg struct {
		Rules []Rule `yaml:"rules"`
	}
	data := []byte(`
rules:
  - when: 'key.owner == "octocat"'
    emit: events.octocat
  - when: 'key.owner == "octocat"'
    emit: [events.all, events.octocat]
`)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal rules: %v", err)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Rules))
	}
	if len(cfg.Rules[0].Emit) != 1 || cfg.Rules[0].Emit[0] != "events.octocat" {
		t.Fatalf("expected scalar emit to decode to one topic, got %v", cfg.Rules[0].Emit)
	}
	if len(cfg.Rules[1].Emit) != 2 {
		t.Fatalf("expected sequence emit to decode to two topics, got %v", cfg.Rules[1].Emit)
	}
}

// TestNormalizeRules tests trimming and validation of configured rules.
func TestNormalizeRules(t *testing.T) {
	rules, err := NormalizeRules([]Rule{
		{When: "  key.owner == \"octocat\"  ", Emit: EmitList{" events.octocat "}, Drivers: []string{" amqp ", ""}},
	})
	if err != nil {
		t.Fatalf("normalize rules: %v", err)
	}
	if rules[0].When != `key.owner == "octocat"` {
		t.Fatalf("expected trimmed when, got %q", rules[0].When)
	}
	if rules[0].Emit[0] != "events.octocat" {
		t.Fatalf("expected trimmed emit, got %q", rules[0].Emit[0])
	}
	if len(rules[0].Drivers) != 1 || rules[0].Drivers[0] != "amqp" {
		t.Fatalf("expected trimmed drivers, got %v", rules[0].Drivers)
	}

	if _, err := NormalizeRules([]Rule{{When: "key.owner == \"octocat\""}}); err == nil {
		t.Fatalf("expected error for rule without emit")
	}
}
