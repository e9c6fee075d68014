package filter

import (
	"strings"
	"testing"
)

func TestParseRules(t *testing.T) {
	input := `# recorded region of the target
w flow jump,call,linearize 0x400000 0x4fffff 0 0

# heap writes only
w data write 0 0 0x7f0000000000 0x7f0000ffffff
b data read,write 4096 8191 0 0
`
	rules, err := ParseRules(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("ParseRules() returned %d rules, want 3", len(rules))
	}

	want := []Rule{
		{Type: Whitelist | ControlFlow | Jump | Call | Linearize, OriginStart: 0x400000, OriginEnd: 0x4fffff},
		{Type: Whitelist | DataAccess | Write, TargetStart: 0x7f0000000000, TargetEnd: 0x7f0000ffffff},
		{Type: DataAccess | Read | Write, OriginStart: 4096, OriginEnd: 8191},
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Errorf("rule %d = %+v, want %+v", i, rules[i], want[i])
		}
	}
}

func TestParseRulesEmptyInput(t *testing.T) {
	rules, err := ParseRules(strings.NewReader("# nothing but comments\n\n"))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("ParseRules() returned %d rules, want 0", len(rules))
	}
}

func TestParseRulesErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too few fields", "w flow jump 0 0 0"},
		{"too many fields", "w flow jump 0 0 0 0 0"},
		{"bad verdict", "x flow jump 0 0 0 0"},
		{"bad class", "w code jump 0 0 0 0"},
		{"flow subtype on data rule", "w data jump 0 0 0 0"},
		{"data subtype on flow rule", "w flow read 0 0 0 0"},
		{"unknown subtype", "w flow trampoline 0 0 0 0"},
		{"bad bound", "w flow jump 0x400000 zzz 0 0"},
		{"negative bound", "w flow jump -1 0 0 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules(strings.NewReader(tt.input))
			if err == nil {
				t.Errorf("ParseRules(%q) accepted invalid input", tt.input)
			}
		})
	}
}

func TestRuleStringRoundTrip(t *testing.T) {
	rule := Rule{
		Type:        Whitelist | ControlFlow | Call | Linearize,
		OriginStart: 0x400000, OriginEnd: 0x4fffff,
	}
	reparsed, err := ParseRules(strings.NewReader(rule.String()))
	if err != nil {
		t.Fatalf("ParseRules(%q) error = %v", rule.String(), err)
	}
	if len(reparsed) != 1 || reparsed[0] != rule {
		t.Errorf("round trip through String() = %+v, want %+v", reparsed, rule)
	}
}
