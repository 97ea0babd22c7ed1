package aggregator

import (
	"sort"

	"onemcp/internal/tags"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Item is one capability tagged with its owning child.
type Item[T any] struct {
	// Name is the namespaced public name, <child>.<original>.
	Name string
	// Server is the owning child's display name.
	Server string
	// Original is the child-local name (or URI for resources).
	Original string
	Value    T
}

// Snapshot is one evaluation of the aggregate view for a session filter.
type Snapshot struct {
	Tools     []Item[mcp.Tool]
	Resources []Item[mcp.Resource]
	Prompts   []Item[mcp.Prompt]
	// ReadyServers is the set of connected children included in this view.
	ReadyServers map[string]struct{}
}

// Diff is the comparison of a snapshot against its predecessor.
type Diff struct {
	Current  *Snapshot
	Previous *Snapshot

	AddedServers   []string
	RemovedServers []string

	ToolsChanged     bool
	ResourcesChanged bool
	PromptsChanged   bool
}

// HasChanges reports whether anything differs.
func (d *Diff) HasChanges() bool {
	return len(d.AddedServers) > 0 || len(d.RemovedServers) > 0 ||
		d.ToolsChanged || d.ResourcesChanged || d.PromptsChanged
}

// NamespaceSeparator joins child display name and capability name in the
// public namespace.
const NamespaceSeparator = "."

// NamespacedName builds the public name of a capability.
func NamespacedName(server, original string) string {
	return server + NamespaceSeparator + original
}

// Aggregator computes capability snapshots over the resolver's view of the
// connections table. It keeps no snapshot history; DiffSnapshots compares
// two snapshots supplied by the caller.
type Aggregator struct {
	resolver *upstream.Resolver
}

// New creates an aggregator.
func New(resolver *upstream.Resolver) *Aggregator {
	return &Aggregator{resolver: resolver}
}

// Compute builds the snapshot for a session's view. Only children that are
// connected, not disabled, and matched by the filter contribute. Ordering
// is deterministic: children by display name ascending, then items by
// original name ascending.
func (a *Aggregator) Compute(sessionID string, filter tags.Query) *Snapshot {
	conns := a.resolver.Visible(sessionID, filter)

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].DisplayName() != conns[j].DisplayName() {
			return conns[i].DisplayName() < conns[j].DisplayName()
		}
		return conns[i].Key() < conns[j].Key()
	})

	snap := &Snapshot{ReadyServers: make(map[string]struct{})}
	seenTools := make(map[string]string)   // namespaced name -> owner
	seenResources := make(map[string]string)
	seenPrompts := make(map[string]string)

	for _, conn := range conns {
		if !conn.IsConnected() {
			continue
		}
		server := conn.DisplayName()
		snap.ReadyServers[server] = struct{}{}

		toolList, resourceList, promptList := conn.Capabilities()

		sort.Slice(toolList, func(i, j int) bool { return toolList[i].Name < toolList[j].Name })
		sort.Slice(resourceList, func(i, j int) bool { return resourceList[i].URI < resourceList[j].URI })
		sort.Slice(promptList, func(i, j int) bool { return promptList[i].Name < promptList[j].Name })

		for _, tool := range toolList {
			name := NamespacedName(server, tool.Name)
			if owner, dup := seenTools[name]; dup {
				// Duplicate namespaced names can only happen when a display
				// name changed mid-flight; the later child alphabetically wins.
				logging.Warn("Aggregator", "Duplicate tool name %s (owners %s, %s)", name, owner, server)
				replaceItem(&snap.Tools, name, Item[mcp.Tool]{Name: name, Server: server, Original: tool.Name, Value: tool})
				continue
			}
			seenTools[name] = server
			snap.Tools = append(snap.Tools, Item[mcp.Tool]{Name: name, Server: server, Original: tool.Name, Value: tool})
		}
		for _, resource := range resourceList {
			name := NamespacedName(server, resource.URI)
			if owner, dup := seenResources[name]; dup {
				logging.Warn("Aggregator", "Duplicate resource %s (owners %s, %s)", name, owner, server)
				replaceItem(&snap.Resources, name, Item[mcp.Resource]{Name: name, Server: server, Original: resource.URI, Value: resource})
				continue
			}
			seenResources[name] = server
			snap.Resources = append(snap.Resources, Item[mcp.Resource]{Name: name, Server: server, Original: resource.URI, Value: resource})
		}
		for _, prompt := range promptList {
			name := NamespacedName(server, prompt.Name)
			if owner, dup := seenPrompts[name]; dup {
				logging.Warn("Aggregator", "Duplicate prompt %s (owners %s, %s)", name, owner, server)
				replaceItem(&snap.Prompts, name, Item[mcp.Prompt]{Name: name, Server: server, Original: prompt.Name, Value: prompt})
				continue
			}
			seenPrompts[name] = server
			snap.Prompts = append(snap.Prompts, Item[mcp.Prompt]{Name: name, Server: server, Original: prompt.Name, Value: prompt})
		}
	}

	return snap
}

func replaceItem[T any](items *[]Item[T], name string, replacement Item[T]) {
	for i := range *items {
		if (*items)[i].Name == name {
			(*items)[i] = replacement
			return
		}
	}
}

// DiffSnapshots compares two snapshots. previous may be nil on the first
// evaluation, in which case everything current counts as added.
func DiffSnapshots(previous, current *Snapshot) *Diff {
	d := &Diff{Current: current, Previous: previous}

	prevServers := map[string]struct{}{}
	if previous != nil {
		prevServers = previous.ReadyServers
	}
	for server := range current.ReadyServers {
		if _, ok := prevServers[server]; !ok {
			d.AddedServers = append(d.AddedServers, server)
		}
	}
	for server := range prevServers {
		if _, ok := current.ReadyServers[server]; !ok {
			d.RemovedServers = append(d.RemovedServers, server)
		}
	}
	sort.Strings(d.AddedServers)
	sort.Strings(d.RemovedServers)

	d.ToolsChanged = itemsChanged(itemNames(prevTools(previous)), itemNames(current.Tools))
	d.ResourcesChanged = itemsChanged(itemNames(prevResources(previous)), itemNames(current.Resources))
	d.PromptsChanged = itemsChanged(itemNames(prevPrompts(previous)), itemNames(current.Prompts))
	return d
}

func prevTools(s *Snapshot) []Item[mcp.Tool] {
	if s == nil {
		return nil
	}
	return s.Tools
}

func prevResources(s *Snapshot) []Item[mcp.Resource] {
	if s == nil {
		return nil
	}
	return s.Resources
}

func prevPrompts(s *Snapshot) []Item[mcp.Prompt] {
	if s == nil {
		return nil
	}
	return s.Prompts
}

func itemNames[T any](items []Item[T]) []string {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Name
	}
	return names
}

func itemsChanged(prev, curr []string) bool {
	if len(prev) != len(curr) {
		return true
	}
	for i := range prev {
		if prev[i] != curr[i] {
			return true
		}
	}
	return false
}

// ResolveTool finds the owner and original name of a namespaced tool name
// in a snapshot.
func (s *Snapshot) ResolveTool(name string) (server, original string, ok bool) {
	for _, item := range s.Tools {
		if item.Name == name {
			return item.Server, item.Original, true
		}
	}
	return "", "", false
}

// ResolveResource finds the owner and original URI of a namespaced resource.
func (s *Snapshot) ResolveResource(name string) (server, original string, ok bool) {
	for _, item := range s.Resources {
		if item.Name == name {
			return item.Server, item.Original, true
		}
	}
	return "", "", false
}

// ResolvePrompt finds the owner and original name of a namespaced prompt.
func (s *Snapshot) ResolvePrompt(name string) (server, original string, ok bool) {
	for _, item := range s.Prompts {
		if item.Name == name {
			return item.Server, item.Original, true
		}
	}
	return "", "", false
}
