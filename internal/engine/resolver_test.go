package engine

import (
	"strings"
	"testing"

	xerrors "github.com/copilfi/copil/internal/errors"
)

func TestResolveInputsWholePlaceholder(t *testing.T) {
	data := map[string]any{
		"n1": map[string]any{
			"output": map[string]any{
				"tx_hash": "0xabc",
				"amounts": []any{"100", "200"},
				"quote":   map[string]any{"to_amount": "950"},
			},
		},
	}

	config := map[string]any{
		"hash":   "{{n1.output.tx_hash}}",
		"amount": "{{n1.output.amounts[1]}}",
		"nested": map[string]any{
			"to": "{{n1.output.quote.to_amount}}",
		},
		"list":    []any{"{{n1.output.tx_hash}}", "plain"},
		"literal": "tx was {{n1.output.tx_hash}}",
		"number":  42,
	}

	resolved, err := ResolveInputs(config, data)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["hash"] != "0xabc" {
		t.Fatalf("unexpected hash: %v", resolved["hash"])
	}
	if resolved["amount"] != "200" {
		t.Fatalf("unexpected amount: %v", resolved["amount"])
	}
	nested := resolved["nested"].(map[string]any)
	if nested["to"] != "950" {
		t.Fatalf("unexpected nested value: %v", nested["to"])
	}
	list := resolved["list"].([]any)
	if list[0] != "0xabc" || list[1] != "plain" {
		t.Fatalf("unexpected list: %v", list)
	}
	// 嵌在长文本中的花括号不做解析。
	if resolved["literal"] != "tx was {{n1.output.tx_hash}}" {
		t.Fatalf("embedded braces must stay literal: %v", resolved["literal"])
	}
	if resolved["number"] != 42 {
		t.Fatalf("non-strings must pass through: %v", resolved["number"])
	}
}

func TestResolveInputsNonStringLeaf(t *testing.T) {
	data := map[string]any{
		"n1": map[string]any{
			"output": map[string]any{"result": true},
		},
	}
	resolved, err := ResolveInputs(map[string]any{"flag": "{{n1.output.result}}"}, data)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["flag"] != true {
		t.Fatalf("expected boolean leaf, got %v", resolved["flag"])
	}
}

func TestResolveInputsErrors(t *testing.T) {
	data := map[string]any{
		"n1": map[string]any{"output": map[string]any{"value": "1"}},
	}

	cases := []struct {
		name    string
		config  map[string]any
		mention string
	}{
		{"missing key", map[string]any{"v": "{{n1.output.missing}}"}, "missing"},
		{"missing node", map[string]any{"v": "{{ghost.output.value}}"}, "ghost"},
		{"index on object", map[string]any{"v": "{{n1.output[0]}}"}, "[0]"},
		{"bad index", map[string]any{"v": "{{n1.output.value[x]}}"}, "x"},
		{"empty path", map[string]any{"v": "{{}}"}, "{{}}"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolveInputs(tc.config, data)
			if err == nil {
				t.Fatal("expected resolution failure")
			}
			if xerrors.CodeOf(err) != CodeResolutionFailure {
				t.Fatalf("expected RESOLUTION_FAILURE, got %s", xerrors.CodeOf(err))
			}
			// 错误信息必须指名失败的路径或片段，方便排查。
			if !strings.Contains(err.Error(), tc.mention) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.mention)
			}
		})
	}
}

func TestEvaluateCondition(t *testing.T) {
	cases := []struct {
		name string
		cfg  ConditionNodeConfig
		want bool
	}{
		{"numeric gt", ConditionNodeConfig{Left: "3500.5", Operator: "gt", Right: 3000}, true},
		{"numeric lte", ConditionNodeConfig{Left: 2, Operator: "<=", Right: "2"}, true},
		{"string eq", ConditionNodeConfig{Left: "ok", Operator: "eq", Right: "ok"}, true},
		{"string neq", ConditionNodeConfig{Left: "ok", Operator: "neq", Right: "fail"}, true},
		{"numeric false", ConditionNodeConfig{Left: 1, Operator: "gt", Right: 2}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluateCondition(tc.cfg)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	// 排序比较要求两边都是数值。
	if _, err := evaluateCondition(ConditionNodeConfig{Left: "abc", Operator: "gt", Right: 1}); err == nil {
		t.Fatal("expected error for ordering on non-numeric operand")
	}
	if _, err := evaluateCondition(ConditionNodeConfig{Left: 1, Operator: "??", Right: 2}); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}
