package subscription

import "testing"

func TestCompileRejectsMisplacedHash(t *testing.T) {
	if _, err := Compile("a/#/b"); err == nil {
		t.Fatalf("expected error for '#' not in final position")
	}
}

func TestCompileRejectsPartialSegmentWildcard(t *testing.T) {
	if _, err := Compile("a+b/c"); err == nil {
		t.Fatalf("expected error for '+' sharing a segment")
	}
}

func TestMatchPlusSingleSegment(t *testing.T) {
	p, err := Compile("sensor/+/reading")
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"sensor/kitchen/reading":     true,
		"sensor/kitchen/temp":        false,
		"sensor/kitchen/sub/reading": false,
		"sensor/reading":             false,
	}
	for topic, want := range cases {
		if got := p.Match(topic); got != want {
			t.Errorf("Match(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestMatchHashTrailing(t *testing.T) {
	p, err := Compile("sensor/#")
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"sensor":                 true, // "#" also matches its parent level
		"sensor/kitchen":         true,
		"sensor/kitchen/reading": true,
		"other":                  false,
	}
	for topic, want := range cases {
		if got := p.Match(topic); got != want {
			t.Errorf("Match(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestMatchExact(t *testing.T) {
	p, err := Compile("calc/add")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Match("calc/add") {
		t.Fatalf("expected exact match")
	}
	if p.Match("calc/subtract") {
		t.Fatalf("expected no match")
	}
}
