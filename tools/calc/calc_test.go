package calc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestEval(t *testing.T) {
	for _, tc := range []struct {
		expr string
		want string
	}{
		{"2+2", "4"},
		{"2*(3+4)", "14"},
		{"10/4", "2.5"},
		{"10 % 3", "1"},
		{"2^10", "1024"},
		{"2^3^2", "512"}, // right-associative
		{"-5 + 3", "-2"},
		{"-(2+3)", "-5"},
		{"1.5 * 2", "3"},
		{"0.1 + 0.2", "0.30000000000000004"},
		{"((1))", "1"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
	} {
		t.Run(tc.expr, func(t *testing.T) {
			v, err := Eval(tc.expr)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := FormatResult(v); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEval_Errors(t *testing.T) {
	for _, tc := range []struct {
		expr    string
		wantSub string
	}{
		{"1/0", "division by zero"},
		{"5 % 0", "modulo by zero"},
		{"(1+2", "missing closing parenthesis"},
		{"1 +", "unexpected end"},
		{"", "unexpected end"},
		{"2 + abc", "unexpected"},
		{"1; import os", "unexpected"},
		{"1/0.0", "division by zero"},
	} {
		t.Run(tc.expr, func(t *testing.T) {
			_, err := Eval(tc.expr)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("got %q, want substring %q", err.Error(), tc.wantSub)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]string{"expression": "2*(3+4)"})

	result, err := tool.Execute(context.Background(), "calculator", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "14" {
		t.Errorf("got %q, want %q", result.Content, "14")
	}
	if result.Error != "" {
		t.Errorf("unexpected tool error: %q", result.Error)
	}
}

func TestExecute_BadExpression(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]string{"expression": "1/0"})

	result, err := tool.Execute(context.Background(), "calculator", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected a tool-internal error for division by zero")
	}
}

func TestFormatResult(t *testing.T) {
	for _, tc := range []struct {
		in   float64
		want string
	}{
		{14, "14"},
		{-3, "-3"},
		{2.5, "2.5"},
		{0, "0"},
		{1e16, "1e+16"}, // too large for exact integer rendering
	} {
		if got := FormatResult(tc.in); got != tc.want {
			t.Errorf("FormatResult(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
