package config

import (
	"reflect"
	"sort"
)

// ChangeKind classifies one child's difference between two server lists.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
	ChangeModified
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change describes the difference for one named child.
type Change struct {
	Kind   ChangeKind
	Name   string
	Old    *ChildConfig
	New    *ChildConfig
	Fields []string
}

// MetadataOnly reports whether every changed field is purely descriptive,
// i.e. applying the change never requires touching the child's process or
// connection. Currently that is only the tag set.
func (c *Change) MetadataOnly() bool {
	if c.Kind != ChangeModified {
		return false
	}
	for _, f := range c.Fields {
		if f != "tags" {
			return false
		}
	}
	return len(c.Fields) > 0
}

// DisableToggled reports whether the disabled flag flipped, and its new value.
func (c *Change) DisableToggled() (toggled, nowDisabled bool) {
	for _, f := range c.Fields {
		if f == "disabled" {
			return true, c.New.Disabled
		}
	}
	return false, false
}

// fieldComparisons drives the field-level diff. Each entry extracts one
// logical config field; reflect.DeepEqual decides equality.
var fieldComparisons = []struct {
	name string
	get  func(*ChildConfig) interface{}
}{
	{"type", func(c *ChildConfig) interface{} { return c.EffectiveType() }},
	{"command", func(c *ChildConfig) interface{} { return c.Command }},
	{"args", func(c *ChildConfig) interface{} { return c.Args }},
	{"cwd", func(c *ChildConfig) interface{} { return c.Cwd }},
	{"env", func(c *ChildConfig) interface{} { return c.Env }},
	{"envFilter", func(c *ChildConfig) interface{} { return c.EnvFilter }},
	{"inheritParentEnv", func(c *ChildConfig) interface{} { return c.InheritParentEnv }},
	{"url", func(c *ChildConfig) interface{} { return c.URL }},
	{"headers", func(c *ChildConfig) interface{} { return c.Headers }},
	{"oauth", func(c *ChildConfig) interface{} { return c.OAuth }},
	{"tags", func(c *ChildConfig) interface{} { return c.Tags }},
	{"disabled", func(c *ChildConfig) interface{} { return c.Disabled }},
	{"timeout", func(c *ChildConfig) interface{} { return c.Timeout }},
	{"connectionTimeout", func(c *ChildConfig) interface{} { return c.ConnectionTimeout }},
	{"requestTimeout", func(c *ChildConfig) interface{} { return c.RequestTimeout }},
	{"restartOnExit", func(c *ChildConfig) interface{} { return c.RestartOnExit }},
	{"maxRestarts", func(c *ChildConfig) interface{} { return c.MaxRestarts }},
	{"restartDelay", func(c *ChildConfig) interface{} { return c.RestartDelay }},
	{"template", func(c *ChildConfig) interface{} { return c.Template }},
}

// DiffFields returns the names of the fields that differ between two
// configs of the same child.
func DiffFields(old, new *ChildConfig) []string {
	var fields []string
	for _, fc := range fieldComparisons {
		if !reflect.DeepEqual(fc.get(old), fc.get(new)) {
			fields = append(fields, fc.name)
		}
	}
	return fields
}

// Diff computes the per-child change set between two server lists. The
// result is ordered removals first, then modifications, then additions, each
// group sorted by name, which is the order changes must be applied in to
// avoid transient name collisions on rename.
func Diff(old, new map[string]*ChildConfig) []Change {
	var removed, modified, added []Change

	for name, oldCfg := range old {
		newCfg, ok := new[name]
		if !ok {
			removed = append(removed, Change{Kind: ChangeRemoved, Name: name, Old: oldCfg})
			continue
		}
		fields := DiffFields(oldCfg, newCfg)
		if len(fields) > 0 {
			modified = append(modified, Change{Kind: ChangeModified, Name: name, Old: oldCfg, New: newCfg, Fields: fields})
		}
	}

	for name, newCfg := range new {
		if _, ok := old[name]; !ok {
			added = append(added, Change{Kind: ChangeAdded, Name: name, New: newCfg})
		}
	}

	byName := func(s []Change) {
		sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
	}
	byName(removed)
	byName(modified)
	byName(added)

	out := make([]Change, 0, len(removed)+len(modified)+len(added))
	out = append(out, removed...)
	out = append(out, modified...)
	out = append(out, added...)
	return out
}
