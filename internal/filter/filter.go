// Package filter restricts which runtime events are recorded, matching
// them against an ordered table of address range rules.
package filter

import (
	"fmt"
	"strings"

	"instrace/internal/trace"
)

// Type is a bitmask describing which events a rule applies to and how a
// matching event is treated.
type Type uint64

// Rule type bits. Jump, Call and Return refine ControlFlow rules; Read and
// Write refine DataAccess rules. Linearize and Read share a bit position:
// the value is read against whichever axis bit the rule carries.
const (
	Whitelist   Type = 1 << 0
	ControlFlow Type = 1 << 1
	DataAccess  Type = 1 << 2
	Jump        Type = 1 << 3
	Call        Type = 1 << 4
	Return      Type = 1 << 5
	Linearize   Type = 1 << 6
	Read        Type = 1 << 6
	Write       Type = 1 << 7
)

// contains reports whether every bit of want is set in t.
func (t Type) contains(want Type) bool { return t&want == want }

// Rule restricts one class of events to an origin and a target address
// range. Bounds are inclusive; a zero start and end leaves that side
// unconstrained. A rule with all four bounds zero is inert and never
// matches anything.
type Rule struct {
	Type        Type
	OriginStart uint64
	OriginEnd   uint64
	TargetStart uint64
	TargetEnd   uint64
}

func (r *Rule) inert() bool {
	return r.OriginStart == 0 && r.OriginEnd == 0 && r.TargetStart == 0 && r.TargetEnd == 0
}

func (r *Rule) rangeMatch(origin, target uint64) bool {
	if r.OriginStart != 0 || r.OriginEnd != 0 {
		if origin < r.OriginStart || origin > r.OriginEnd {
			return false
		}
	}
	if r.TargetStart != 0 || r.TargetEnd != 0 {
		if target < r.TargetStart || target > r.TargetEnd {
			return false
		}
	}
	return true
}

// String renders the rule in the rules file syntax.
func (r Rule) String() string {
	verdict := "b"
	if r.Type.contains(Whitelist) {
		verdict = "w"
	}
	var class string
	var subs []string
	switch {
	case r.Type.contains(ControlFlow):
		class = "flow"
		if r.Type.contains(Jump) {
			subs = append(subs, "jump")
		}
		if r.Type.contains(Call) {
			subs = append(subs, "call")
		}
		if r.Type.contains(Return) {
			subs = append(subs, "return")
		}
		if r.Type.contains(Linearize) {
			subs = append(subs, "linearize")
		}
	case r.Type.contains(DataAccess):
		class = "data"
		if r.Type.contains(Read) {
			subs = append(subs, "read")
		}
		if r.Type.contains(Write) {
			subs = append(subs, "write")
		}
	default:
		class = "?"
	}
	if len(subs) == 0 {
		subs = append(subs, "?")
	}
	return fmt.Sprintf("%s %s %s %#x %#x %#x %#x", verdict, class, strings.Join(subs, ","),
		r.OriginStart, r.OriginEnd, r.TargetStart, r.TargetEnd)
}

// Engine matches events against an ordered rule table. The table is fixed
// at construction, so Match is safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over rules. The slice is used as is and must
// not be modified afterwards.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Active reports whether any rules are installed. Inert rules count: an
// engine holding only inert rules still suppresses the entry classes the
// table cannot express.
func (e *Engine) Active() bool { return e != nil && len(e.rules) > 0 }

// Len returns the number of installed rules.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Match decides whether an event of the given kind at origin, touching
// target, is recorded. The flag is consulted for branch subtypes and may
// be rewritten in the result: a call matching a Linearize rule comes back
// as a jump.
//
// Rules are scanned in order and the first one whose ranges and type both
// apply decides through its Whitelist bit. A rule whose ranges match but
// whose type does not is skipped. With no rules installed every event is
// allowed; with rules installed and none applying the event is rejected.
func (e *Engine) Match(kind trace.EntryType, origin, target uint64, flag uint8) (bool, uint8) {
	if e == nil || len(e.rules) == 0 {
		return true, flag
	}
	for i := range e.rules {
		r := &e.rules[i]
		if r.inert() || !r.rangeMatch(origin, target) {
			continue
		}
		switch kind {
		case trace.TypeMemoryRead:
			if r.Type.contains(DataAccess | Read) {
				return r.Type.contains(Whitelist), flag
			}
		case trace.TypeMemoryWrite:
			if r.Type.contains(DataAccess | Write) {
				return r.Type.contains(Whitelist), flag
			}
		case trace.TypeBranch:
			switch {
			case flag&trace.BranchJump != 0:
				if r.Type.contains(ControlFlow | Jump) {
					return r.Type.contains(Whitelist), flag
				}
			case flag&trace.BranchCall != 0:
				if r.Type.contains(ControlFlow | Call) {
					if r.Type.contains(Linearize) {
						flag = flag&^trace.BranchCall | trace.BranchJump
					}
					return r.Type.contains(Whitelist), flag
				}
			case flag&trace.BranchReturn != 0:
				// Returns are governed by call rules.
				if r.Type.contains(ControlFlow | Call) {
					return r.Type.contains(Whitelist), flag
				}
			}
		}
	}
	return false, flag
}
