package condition

import "testing"

func TestLeafEvaluate(t *testing.T) {
	cases := []struct {
		name    string
		cond    Condition[int64]
		current int64
		want    bool
	}{
		{"eq true", Eq[int64](5), 5, true},
		{"eq false", Eq[int64](5), 6, false},
		{"ne true", Ne[int64](5), 6, true},
		{"lt true", Lt[int64](5), 4, true},
		{"lt false", Lt[int64](5), 5, false},
		{"lte true", Lte[int64](5), 5, true},
		{"gt true", Gt[int64](5), 6, true},
		{"gte true", Gte[int64](5), 5, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.Evaluate(tc.current); got != tc.want {
				t.Errorf("Evaluate(%d) = %v, want %v", tc.current, got, tc.want)
			}
		})
	}
}

func TestAndOrNot(t *testing.T) {
	c := And(Gte[int64](1), Lte[int64](10))
	if !c.Evaluate(5) {
		t.Error("expected 5 to satisfy [1,10]")
	}
	if c.Evaluate(11) {
		t.Error("expected 11 to not satisfy [1,10]")
	}

	o := Or(Eq[int64](1), Eq[int64](2))
	if !o.Evaluate(2) {
		t.Error("expected 2 to satisfy eq(1) or eq(2)")
	}
	if o.Evaluate(3) {
		t.Error("expected 3 to not satisfy eq(1) or eq(2)")
	}

	n := Not(Eq[int64](1))
	if n.Evaluate(1) {
		t.Error("expected Not(eq(1)) to reject 1")
	}
	if !n.Evaluate(2) {
		t.Error("expected Not(eq(1)) to accept 2")
	}
}

func TestAndFlattening(t *testing.T) {
	c := And(And(Gt[int64](0), Lt[int64](100)), Ne[int64](50))
	rendered := c.Render()
	want := "to be greater than 0 and to be less than 100 and to not be equal to 50"
	if rendered != want {
		t.Errorf("Render() = %q, want %q", rendered, want)
	}
}

func TestEmptyAndOr(t *testing.T) {
	if !And[int64]().Evaluate(42) {
		t.Error("empty And should always hold")
	}
	if Or[int64]().Evaluate(42) {
		t.Error("empty Or should never hold")
	}
	if And[int64]().Render() != "to always hold" {
		t.Errorf("unexpected render for empty And: %q", And[int64]().Render())
	}
	if Or[int64]().Render() != "to never hold" {
		t.Errorf("unexpected render for empty Or: %q", Or[int64]().Render())
	}
}

func TestRender(t *testing.T) {
	cases := []struct {
		cond Condition[int64]
		want string
	}{
		{Eq[int64](10), "to be equal to 10"},
		{Ne[int64](10), "to not be equal to 10"},
		{Lt[int64](10), "to be less than 10"},
		{Lte[int64](10), "to be less than or equal to 10"},
		{Gt[int64](10), "to be greater than 10"},
		{Gte[int64](10), "to be greater than or equal to 10"},
		{Not(Eq[int64](10)), "to not hold: to be equal to 10"},
	}

	for _, tc := range cases {
		if got := tc.cond.Render(); got != tc.want {
			t.Errorf("Render() = %q, want %q", got, tc.want)
		}
	}
}

func TestToBSON(t *testing.T) {
	b := Eq[int64](10).ToBSON("version")
	if len(b) != 1 {
		t.Fatalf("expected single field, got %v", b)
	}
	if _, ok := b["version"]; !ok {
		t.Errorf("expected version key in %v", b)
	}
}
