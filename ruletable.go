package icebus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Rule is a parsed subscription match rule. Empty fields are wildcards; a
// message matches iff every non-empty field equals the corresponding message
// field. MessageInvalid acts as the type wildcard.
type Rule struct {
	Type        MessageType
	Sender      string
	Interface   string
	Member      string
	Path        string
	Destination string
}

// ParseRule parses a DBus-style match rule: one or more key='value' pairs
// separated by commas. Recognized keys are type, sender, interface, member,
// path and destination. arg keys are accepted syntactically but unsupported.
func ParseRule(ruleSpec string) (Rule, error) {
	var rule Rule
	rest := ruleSpec
	for rest != "" {
		pair := rest
		if idx := strings.IndexByte(rest, ','); idx >= 0 {
			pair, rest = rest[:idx], rest[idx+1:]
		} else {
			rest = ""
		}

		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return Rule{}, fmt.Errorf("%w: premature end of %q", ErrRuleParse, ruleSpec)
		}
		key := pair[:eq]
		value, err := unquoteRuleValue(pair[eq+1:], ruleSpec)
		if err != nil {
			return Rule{}, err
		}

		switch key {
		case "type":
			switch value {
			case "signal":
				rule.Type = MessageSignal
			case "method_call":
				rule.Type = MessageMethodCall
			case "method_return":
				rule.Type = MessageMethodReturn
			case "error":
				rule.Type = MessageError
			default:
				return Rule{}, fmt.Errorf("%w: invalid type value in %q", ErrRuleParse, ruleSpec)
			}
		case "sender":
			rule.Sender = value
		case "interface":
			rule.Interface = value
		case "member":
			rule.Member = value
		case "path":
			rule.Path = value
		case "destination":
			rule.Destination = value
		default:
			if strings.HasPrefix(key, "arg") {
				return Rule{}, fmt.Errorf("%w: arg keys in %q", ErrRuleNotImplemented, ruleSpec)
			}

			return Rule{}, fmt.Errorf("%w: invalid key %q in %q", ErrRuleParse, key, ruleSpec)
		}
	}

	return rule, nil
}

func unquoteRuleValue(quoted, ruleSpec string) (string, error) {
	if len(quoted) < 2 || quoted[0] != '\'' || quoted[len(quoted)-1] != '\'' {
		return "", fmt.Errorf("%w: quote mismatch in %q", ErrRuleParse, ruleSpec)
	}

	return quoted[1 : len(quoted)-1], nil
}

// IsMatch reports whether msg satisfies the rule. The fields of a rule, if
// specified, are logically anded together.
func (r Rule) IsMatch(msg *Message) bool {
	if r.Type != MessageInvalid && r.Type != msg.Type {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Destination {
		return false
	}

	return true
}

func (r Rule) String() string {
	var parts []string
	if r.Type != MessageInvalid {
		parts = append(parts, "type='"+r.Type.String()+"'")
	}
	for _, kv := range [...]struct{ key, val string }{
		{"sender", r.Sender},
		{"interface", r.Interface},
		{"member", r.Member},
		{"path", r.Path},
		{"destination", r.Destination},
	} {
		if kv.val != "" {
			parts = append(parts, kv.key+"='"+kv.val+"'")
		}
	}

	return strings.Join(parts, ",")
}

type ruleEntry struct {
	ep   Endpoint
	rule Rule
}

// RuleTable is a multi-mapping from endpoint to subscription rules. Iteration
// happens under the table lock held by the caller; the router uses
// AdvanceToNextEndpoint to skip the remaining rules of an endpoint it has
// already delivered to.
type RuleTable struct {
	mu      sync.Mutex
	entries []ruleEntry
}

// NewRuleTable creates an empty rule table.
func NewRuleTable() *RuleTable {
	return &RuleTable{}
}

// Lock acquires the table lock for iteration.
func (t *RuleTable) Lock() { t.mu.Lock() }

// Unlock releases the table lock.
func (t *RuleTable) Unlock() { t.mu.Unlock() }

// AddRule appends a rule for ep.
func (t *RuleTable) AddRule(ep Endpoint, rule Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Keep an endpoint's rules contiguous so endpoint-advance is a linear
	// skip.
	idx := len(t.entries)
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].ep == ep {
			idx = i + 1

			break
		}
	}
	t.entries = append(t.entries, ruleEntry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = ruleEntry{ep: ep, rule: rule}
}

// RemoveRule removes the first rule equal to rule for ep.
func (t *RuleTable) RemoveRule(ep Endpoint, rule Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.ep == ep && e.rule == rule {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)

			return
		}
	}
}

// RemoveAllRules drops every rule for ep.
func (t *RuleTable) RemoveAllRules(ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.ep != ep {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}

// Begin returns the iterator position of the first entry. Caller must hold
// the table lock.
func (t *RuleTable) Begin() int { return 0 }

// End returns the past-the-end iterator position. Caller must hold the table
// lock.
func (t *RuleTable) End() int { return len(t.entries) }

// At returns the entry at iterator position i. Caller must hold the table
// lock.
func (t *RuleTable) At(i int) (Endpoint, Rule) {
	return t.entries[i].ep, t.entries[i].rule
}

// AdvanceToNextEndpoint returns the position of the first entry past i whose
// endpoint differs from ep. An endpoint's rules form one contiguous run, so
// the run end is found by binary search. Caller must hold the table lock.
func (t *RuleTable) AdvanceToNextEndpoint(i int, ep Endpoint) int {
	return i + sort.Search(len(t.entries)-i, func(k int) bool {
		return t.entries[i+k].ep != ep
	})
}
