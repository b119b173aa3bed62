// ABOUTME: Persona catalog for reply generation, loaded from a TOML file
// ABOUTME: Each persona carries a system prompt shaping the generated replies

package reply

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Persona describes a reply style: who the assistant pretends to be
type Persona struct {
	Name         string `toml:"name"`
	Description  string `toml:"description"`
	SystemPrompt string `toml:"system_prompt"`
}

// Catalog holds the available personas and the default selection
type Catalog struct {
	DefaultName string    `toml:"default"`
	Personas    []Persona `toml:"personas"`

	byName map[string]*Persona
}

// builtinPersona is used when no catalog file is configured
var builtinPersona = Persona{
	Name:        "assistant",
	Description: "Plain helpful texting assistant",
	SystemPrompt: "You are a helpful assistant replying to text messages. " +
		"Keep replies short and conversational, like a text message. " +
		"Do not use markdown formatting.",
}

// LoadCatalog reads a persona catalog from a TOML file.
// An empty path returns a catalog containing only the built-in persona.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		c := &Catalog{
			DefaultName: builtinPersona.Name,
			Personas:    []Persona{builtinPersona},
		}
		c.index()
		return c, nil
	}

	var c Catalog
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("parsing personas file: %w", err)
	}

	if len(c.Personas) == 0 {
		return nil, fmt.Errorf("personas file %s defines no personas", path)
	}

	for i := range c.Personas {
		p := &c.Personas[i]
		if p.Name == "" {
			return nil, fmt.Errorf("personas file %s: persona %d has no name", path, i)
		}
		if strings.TrimSpace(p.SystemPrompt) == "" {
			return nil, fmt.Errorf("personas file %s: persona %q has no system_prompt", path, p.Name)
		}
	}

	if c.DefaultName == "" {
		c.DefaultName = c.Personas[0].Name
	}

	c.index()

	if _, ok := c.byName[c.DefaultName]; !ok {
		return nil, fmt.Errorf("personas file %s: default persona %q not defined", path, c.DefaultName)
	}

	return &c, nil
}

func (c *Catalog) index() {
	c.byName = make(map[string]*Persona, len(c.Personas))
	for i := range c.Personas {
		c.byName[c.Personas[i].Name] = &c.Personas[i]
	}
}

// Get returns the named persona, or false if it doesn't exist
func (c *Catalog) Get(name string) (*Persona, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// Default returns the catalog's default persona
func (c *Catalog) Default() *Persona {
	return c.byName[c.DefaultName]
}

// Names returns the persona names in catalog order
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Personas))
	for i := range c.Personas {
		names[i] = c.Personas[i].Name
	}
	return names
}
