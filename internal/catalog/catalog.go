// Package catalog aggregates the tools of every live provider into one
// ordered list with a name to provider routing table.
package catalog

import (
	"github.com/sirupsen/logrus"

	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/mcp"
	"github.com/mwiater/toolchat/internal/providers"
)

// Source is a provider whose advertised tools can be aggregated.
// *mcp.Conn satisfies it.
type Source interface {
	Name() string
	Tools() []mcp.Tool
}

// Entry is one catalog tool together with the provider that owns it.
type Entry struct {
	mcp.Tool
	Provider string
}

// Route maps a tool name to the provider that serves it.
type Route struct {
	Tool     string
	Provider string
}

// Collision records a tool advertised by more than one provider. The first
// registered provider keeps the name.
type Collision struct {
	Tool    string
	Kept    string
	Dropped string
}

// Catalog is an immutable snapshot of the available tools.
type Catalog struct {
	entries    []Entry
	index      map[string]int
	Collisions []Collision
}

// Build concatenates each source's tools in registration order and listing
// order, keeping the first tool seen for every name.
func Build[S Source](sources []S) *Catalog {
	c := &Catalog{index: make(map[string]int)}
	for _, src := range sources {
		provider := src.Name()
		for _, tool := range src.Tools() {
			if tool.Name == "" {
				continue
			}
			if i, dup := c.index[tool.Name]; dup {
				owner := c.entries[i].Provider
				c.Collisions = append(c.Collisions, Collision{Tool: tool.Name, Kept: owner, Dropped: provider})
				logging.WithFields(logrus.Fields{
					"tool":    tool.Name,
					"kept":    owner,
					"dropped": provider,
				}).Warn("duplicate tool name; first registered provider wins")
				continue
			}
			c.index[tool.Name] = len(c.entries)
			c.entries = append(c.entries, Entry{Tool: tool, Provider: provider})
		}
	}
	return c
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns the tools in catalog order.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	i, ok := c.index[name]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Owner returns the provider that serves name.
func (c *Catalog) Owner(name string) (string, bool) {
	e, ok := c.Lookup(name)
	return e.Provider, ok
}

// Routes returns the routing table in catalog order.
func (c *Catalog) Routes() []Route {
	if c == nil {
		return nil
	}
	out := make([]Route, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, Route{Tool: e.Name, Provider: e.Provider})
	}
	return out
}

// Definitions converts the catalog into the tool list sent to the model.
func (c *Catalog) Definitions() []providers.ToolDefinition {
	if c == nil || len(c.entries) == 0 {
		return nil
	}
	defs := make([]providers.ToolDefinition, 0, len(c.entries))
	for _, e := range c.entries {
		defs = append(defs, providers.ToolDefinition{
			Name:        e.Name,
			Description: e.Description,
			Parameters:  e.InputSchema,
		})
	}
	return defs
}
