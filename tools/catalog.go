package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/AltairaLabs/foreman/providers"
)

// Catalog holds tool descriptors and validates call arguments against
// their input schemas before dispatch.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]*Descriptor
	schemas map[string]*gojsonschema.Schema
}

// NewCatalog returns a catalog pre-seeded with the built-in workflow
// control tools.
func NewCatalog() *Catalog {
	c := &Catalog{
		tools:   make(map[string]*Descriptor),
		schemas: make(map[string]*gojsonschema.Schema),
	}
	for _, d := range builtinDescriptors() {
		// Built-ins carry valid schemas; registration cannot fail.
		_ = c.Register(d)
	}
	return c
}

func builtinDescriptors() []*Descriptor {
	return []*Descriptor{
		{
			Name:        ToolRequestClarification,
			Description: "Ask a clarifying question about the current task. Pauses only this task until answered.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
		},
		{
			Name:        ToolRequestPauseAndAsk,
			Description: "Pause the whole workflow and ask the operator a question. Use only when the task cannot proceed at all.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"},"expected_fields":{"type":"array","items":{"type":"string"}}},"required":["question"]}`),
		},
	}
}

// Register adds a descriptor, compiling its input schema.
func (c *Catalog) Register(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tools: descriptor name is required")
	}
	if d.Description == "" {
		return fmt.Errorf("tools: descriptor %s is missing a description", d.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(d.InputSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.InputSchema))
		if err != nil {
			return fmt.Errorf("tools: invalid input schema for %s: %w", d.Name, err)
		}
		c.schemas[d.Name] = schema
	}
	c.tools[d.Name] = d
	return nil
}

// LoadManifest parses a K8s-style tool manifest (apiVersion + kind: Tool)
// and registers its descriptor. metadata.name wins over spec.name.
func (c *Catalog) LoadManifest(filename string, data []byte) error {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("tools: failed to parse manifest %s: %w", filename, err)
	}
	if manifest.Kind == "" {
		return fmt.Errorf("tools: manifest %s is missing kind", filename)
	}
	if manifest.Kind != "Tool" {
		return fmt.Errorf("tools: manifest %s has kind %q, expected Tool", filename, manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("tools: manifest %s is missing metadata.name", filename)
	}
	manifest.Spec.Name = manifest.Metadata.Name
	if err := c.Register(&manifest.Spec); err != nil {
		return fmt.Errorf("tools: invalid descriptor in %s: %w", filename, err)
	}
	return nil
}

// LoadDir loads every .yaml/.yml manifest in a directory.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("tools: failed to read manifest directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("tools: failed to read manifest %s: %w", full, err)
		}
		if err := c.LoadManifest(entry.Name(), data); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the descriptor for name, or nil.
func (c *Catalog) Get(name string) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[name]
}

// List returns all registered tool names, sorted.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArgs checks a call's arguments against the tool's input schema.
// Tools without a schema accept anything.
func (c *Catalog) ValidateArgs(name string, args map[string]any) error {
	c.mu.RLock()
	schema := c.schemas[name]
	c.mu.RUnlock()
	if schema == nil {
		return nil
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tools: cannot encode args for %s: %w", name, err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(encoded))
	if err != nil {
		return fmt.Errorf("tools: validation error for %s: %w", name, err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			details[i] = desc.String()
		}
		return &ValidationError{Tool: name, Detail: strings.Join(details, "; ")}
	}
	return nil
}

// IsReadOnly reports whether the named tool's results may be cached.
func (c *Catalog) IsReadOnly(name string) bool {
	d := c.Get(name)
	return d != nil && d.ReadOnly
}

// Descriptors converts the named tools into provider tool descriptors for
// a model request. Unknown names are skipped.
func (c *Catalog) Descriptors(names []string) []providers.ToolDescriptor {
	out := make([]providers.ToolDescriptor, 0, len(names))
	for _, name := range names {
		d := c.Get(name)
		if d == nil {
			continue
		}
		out = append(out, providers.ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
