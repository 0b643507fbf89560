package evalmath

import "testing"

func TestEval(t *testing.T) {
	cases := []struct {
		expr string
		want int64
	}{
		{"1", 1},
		{"1+2", 3},
		{"2*3+4", 10},
		{"2*(3+4)", 14},
		{"-5+10", 5},
		{"2^10", 1024},
		{"10/2", 5},
		{"1K", 1024},
		{"1kB", 1000},
		{"1MB", 1000 * 1000},
		{"1M", 1024 * 1024},
		{"1GB", 1000 * 1000 * 1000},
		{"1G", 1024 * 1024 * 1024},
		{"2*512b", 524288},
		{"1w", 2},
		{"4c", 4},
		{"(1+1)*(2+2)", 8},
	}

	for _, c := range cases {
		got, err := Eval(c.expr)
		if err != nil {
			t.Errorf("Eval(%q) returned error: %v", c.expr, err)
			continue
		}
		if got != c.want {
			t.Errorf("Eval(%q) = %d, want %d", c.expr, got, c.want)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	cases := []string{
		"1/0",
		"2^64",
		"2^-1",
		"(1+2",
		"1+2)",
		"",
		"1 2",
	}

	for _, expr := range cases {
		if _, err := Eval(expr); err == nil {
			t.Errorf("Eval(%q) expected an error", expr)
		}
	}
}

func TestEvalString(t *testing.T) {
	got, err := EvalString("2*2K")
	if err != nil {
		t.Fatalf("EvalString returned error: %v", err)
	}
	if got != "4096" {
		t.Fatalf("EvalString = %q, want %q", got, "4096")
	}
}
