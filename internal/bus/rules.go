package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// Match is one topic selected by a rule, together with the driver subset the
// rule restricts publishing to. An empty driver list means all configured
// drivers.
type Match struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	emit    EmitList
	drivers []string
	expr    *govaluate.EvaluableExpression
	terms   map[string]string
}

// RuleEngine evaluates routing rules against mirrored events. Rule
// expressions are govaluate expressions whose terms reference the event
// payload three ways: plain identifiers for top-level fields, dotted paths
// like pull_request.draft, and JSONPath terms like $.pull_request.draft.
type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

// NewRuleEngine compiles the configured rules. Compilation fails fast on a
// malformed expression so a bad config is caught at startup, not per event.
func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		rewritten, terms := rewriteExpression(rule.When)
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compile %q: %w", i, rule.When, err)
		}
		rules = append(rules, compiledRule{
			emit:    rule.Emit,
			drivers: rule.Drivers,
			expr:    expr,
			terms:   terms,
		})
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Evaluate runs every rule against the event payload and returns the matched
// topics. In strict mode a rule whose terms cannot all be resolved is skipped;
// otherwise unresolved terms evaluate as nil.
func (r *RuleEngine) Evaluate(event Event) []Match {
	if r == nil || len(r.rules) == 0 {
		return nil
	}

	var doc interface{}
	flat := map[string]interface{}{}
	if len(event.Raw) > 0 {
		if err := json.Unmarshal(event.Raw, &doc); err != nil {
			r.logger.Printf("rules: decode payload: %v", err)
		} else if obj, ok := doc.(map[string]interface{}); ok {
			flat = flatten(obj)
		}
	}

	matches := make([]Match, 0, 1)
	for _, rule := range r.rules {
		params := make(map[string]interface{}, len(flat)+len(rule.terms))
		for k, v := range flat {
			params[k] = v
		}
		unresolved := false
		for name, term := range rule.terms {
			val, ok := resolveTerm(term, doc, flat)
			if !ok {
				if r.strict {
					unresolved = true
					break
				}
				val = nil
			}
			params[name] = val
		}
		if unresolved {
			continue
		}
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			r.logger.Printf("rules: eval %q: %v", rule.expr.String(), err)
			continue
		}
		if ok, _ := result.(bool); ok {
			for _, topic := range rule.emit {
				matches = append(matches, Match{Topic: topic, Drivers: rule.drivers})
			}
		}
	}
	return matches
}

var (
	jsonPathTermPattern = regexp.MustCompile(`\$\.[A-Za-z0-9_.\[\]]+`)
	dottedTermPattern   = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:\[[0-9]+\]|\.[A-Za-z_][A-Za-z0-9_]*)+`)
)

// rewriteExpression substitutes JSONPath and dotted-path terms with synthetic
// parameter names govaluate can parse, returning the rewritten source and the
// name-to-term mapping. String literals pass through untouched.
func rewriteExpression(when string) (string, map[string]string) {
	terms := make(map[string]string)
	substitute := func(term string) string {
		name := fmt.Sprintf("term_%d", len(terms))
		terms[name] = term
		return name
	}
	rewriteSegment := func(segment string) string {
		segment = jsonPathTermPattern.ReplaceAllStringFunc(segment, substitute)
		return dottedTermPattern.ReplaceAllStringFunc(segment, substitute)
	}

	var out strings.Builder
	var segment strings.Builder
	inString := false
	var quote rune
	escaped := false
	for _, ch := range when {
		switch {
		case inString:
			out.WriteRune(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == quote {
				inString = false
			}
		case ch == '"' || ch == '\'':
			out.WriteString(rewriteSegment(segment.String()))
			segment.Reset()
			out.WriteRune(ch)
			inString = true
			quote = ch
		default:
			segment.WriteRune(ch)
		}
	}
	out.WriteString(rewriteSegment(segment.String()))
	return out.String(), terms
}

// resolveTerm looks a rewritten term up in the event payload. JSONPath terms
// query the decoded document, dotted terms use the flattened key space.
func resolveTerm(term string, doc interface{}, flat map[string]interface{}) (interface{}, bool) {
	if strings.HasPrefix(term, "$.") {
		if doc == nil {
			return nil, false
		}
		val, err := jsonpath.Get(term, doc)
		if err != nil {
			return nil, false
		}
		return val, true
	}
	if val, ok := flat[term]; ok {
		return val, true
	}
	return nil, false
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("contains expects 2 arguments, got %d", len(args))
		}
		needle := fmt.Sprintf("%v", args[1])
		switch hay := args[0].(type) {
		case []interface{}:
			for _, item := range hay {
				if fmt.Sprintf("%v", item) == needle {
					return true, nil
				}
			}
			return false, nil
		case string:
			return strings.Contains(hay, needle), nil
		default:
			return false, nil
		}
	},
	"like": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("like expects 2 arguments, got %d", len(args))
		}
		value, ok := args[0].(string)
		if !ok {
			return false, nil
		}
		pattern, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("like pattern must be a string")
		}
		quoted := regexp.QuoteMeta(pattern)
		quoted = strings.ReplaceAll(quoted, "%", ".*")
		quoted = strings.ReplaceAll(quoted, "_", ".")
		matched, err := regexp.MatchString("^"+quoted+"$", value)
		if err != nil {
			return nil, err
		}
		return matched, nil
	},
}
