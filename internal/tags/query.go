package tags

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Query is a boolean expression over a child's tag set. Evaluation is
// case-insensitive set membership on tag names.
type Query interface {
	// Matches evaluates the query against a tag set.
	Matches(tags []string) bool
	// String renders the query in the advanced infix syntax.
	String() string
}

// MatchAll is the query every tag set satisfies; an empty filter expression
// parses to it.
type MatchAll struct{}

func (MatchAll) Matches([]string) bool { return true }
func (MatchAll) String() string        { return "" }

// Tag is a single tag leaf.
type Tag struct {
	Name string
}

func (t Tag) Matches(tags []string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, t.Name) {
			return true
		}
	}
	return false
}

func (t Tag) String() string { return t.Name }

// And is the conjunction of its operands.
type And struct {
	Operands []Query
}

func (a And) Matches(tags []string) bool {
	for _, op := range a.Operands {
		if !op.Matches(tags) {
			return false
		}
	}
	return true
}

func (a And) String() string { return joinOperands(a.Operands, "AND") }

// Or is the disjunction of its operands.
type Or struct {
	Operands []Query
}

func (o Or) Matches(tags []string) bool {
	for _, op := range o.Operands {
		if op.Matches(tags) {
			return true
		}
	}
	return false
}

func (o Or) String() string { return joinOperands(o.Operands, "OR") }

// Not negates its operand.
type Not struct {
	Operand Query
}

func (n Not) Matches(tags []string) bool { return !n.Operand.Matches(tags) }

func (n Not) String() string { return "NOT " + parenthesize(n.Operand) }

func joinOperands(ops []Query, word string) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = parenthesize(op)
	}
	return strings.Join(parts, " "+word+" ")
}

func parenthesize(q Query) string {
	switch q.(type) {
	case Tag, MatchAll, Not:
		return q.String()
	default:
		return "(" + q.String() + ")"
	}
}

// ParseJSON parses the programmatic JSON query form:
// {"tag": x}, {"$and": [...]}, {"$or": [...]}, {"$not": q}.
func ParseJSON(data []byte) (Query, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid tag query JSON: %w", err)
	}
	return fromJSONObject(raw)
}

func fromJSONObject(obj map[string]json.RawMessage) (Query, error) {
	if len(obj) == 0 {
		return MatchAll{}, nil
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("tag query objects must have exactly one key, got %d", len(obj))
	}

	for key, raw := range obj {
		switch key {
		case "tag":
			var name string
			if err := json.Unmarshal(raw, &name); err != nil {
				return nil, fmt.Errorf("tag value must be a string: %w", err)
			}
			if strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("tag value must be non-empty")
			}
			return Tag{Name: name}, nil

		case "$and", "$or":
			var items []map[string]json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("%s value must be an array of queries: %w", key, err)
			}
			ops := make([]Query, 0, len(items))
			for _, item := range items {
				op, err := fromJSONObject(item)
				if err != nil {
					return nil, err
				}
				ops = append(ops, op)
			}
			if len(ops) == 0 {
				return MatchAll{}, nil
			}
			if key == "$and" {
				return And{Operands: ops}, nil
			}
			return Or{Operands: ops}, nil

		case "$not":
			var item map[string]json.RawMessage
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("$not value must be a query: %w", err)
			}
			op, err := fromJSONObject(item)
			if err != nil {
				return nil, err
			}
			return Not{Operand: op}, nil

		default:
			return nil, fmt.Errorf("unknown tag query operator %q", key)
		}
	}
	return MatchAll{}, nil
}

// TagState is the three-state selector used by preset building.
type TagState int

const (
	TagIgnored TagState = iota
	TagRequired
	TagForbidden
)

// FromSelector builds a query from a three-state tag selector:
// AND(required) AND NOT(OR(forbidden)). Ignored tags do not constrain.
func FromSelector(states map[string]TagState) Query {
	var required, forbidden []string
	for tag, state := range states {
		switch state {
		case TagRequired:
			required = append(required, tag)
		case TagForbidden:
			forbidden = append(forbidden, tag)
		}
	}
	sort.Strings(required)
	sort.Strings(forbidden)

	var ops []Query
	for _, tag := range required {
		ops = append(ops, Tag{Name: tag})
	}
	if len(forbidden) > 0 {
		var forbiddenOps []Query
		for _, tag := range forbidden {
			forbiddenOps = append(forbiddenOps, Tag{Name: tag})
		}
		ops = append(ops, Not{Operand: Or{Operands: forbiddenOps}})
	}

	switch len(ops) {
	case 0:
		return MatchAll{}
	case 1:
		return ops[0]
	default:
		return And{Operands: ops}
	}
}
