package filter

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseRules reads a rule table from r, one rule per line:
//
//	<w|b> <flow|data> <sub[,sub...]> <origin-start> <origin-end> <target-start> <target-end>
//
// w whitelists matching events, b rejects them. flow rules accept the
// subtypes jump, call, return and linearize; data rules accept read and
// write. Bounds are decimal or 0x-prefixed hex and inclusive; 0 0 leaves a
// side unconstrained. Blank lines and lines starting with # are skipped.
func ParseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseRule(line)
		if err != nil {
			return nil, fmt.Errorf("rule line %d: %w", lineno, err)
		}
		rules = append(rules, rule)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	return rules, nil
}

func parseRule(line string) (Rule, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return Rule{}, fmt.Errorf("want 7 fields, got %d", len(fields))
	}

	var t Type
	switch fields[0] {
	case "w":
		t |= Whitelist
	case "b":
	default:
		return Rule{}, fmt.Errorf("verdict %q: want w or b", fields[0])
	}

	class := fields[1]
	switch class {
	case "flow":
		t |= ControlFlow
	case "data":
		t |= DataAccess
	default:
		return Rule{}, fmt.Errorf("class %q: want flow or data", class)
	}

	for _, sub := range strings.Split(fields[2], ",") {
		switch {
		case class == "flow" && sub == "jump":
			t |= Jump
		case class == "flow" && sub == "call":
			t |= Call
		case class == "flow" && sub == "return":
			t |= Return
		case class == "flow" && sub == "linearize":
			t |= Linearize
		case class == "data" && sub == "read":
			t |= Read
		case class == "data" && sub == "write":
			t |= Write
		default:
			return Rule{}, fmt.Errorf("subtype %q is not valid for %s rules", sub, class)
		}
	}

	var bounds [4]uint64
	for i, f := range fields[3:7] {
		v, err := strconv.ParseUint(f, 0, 64)
		if err != nil {
			return Rule{}, fmt.Errorf("bound %q: %w", f, err)
		}
		bounds[i] = v
	}

	return Rule{
		Type:        t,
		OriginStart: bounds[0],
		OriginEnd:   bounds[1],
		TargetStart: bounds[2],
		TargetEnd:   bounds[3],
	}, nil
}
