// Package template provides the contract templates rooms are instantiated from.
package template

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

//go:embed templates/*.yaml
var builtin embed.FS

// ErrUnknownTemplate is returned for a template id that is not in the catalog.
var ErrUnknownTemplate = errors.New("unknown template")

// KeyTerm is a key term seeded into a section.
type KeyTerm struct {
	ID          string `yaml:"id" json:"id"`
	Label       string `yaml:"label" json:"label"`
	Value       string `yaml:"value" json:"value,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Section is one section of a template.
type Section struct {
	ID       string    `yaml:"id" json:"id"`
	Title    string    `yaml:"title" json:"title"`
	Text     string    `yaml:"text" json:"text,omitempty"`
	KeyTerms []KeyTerm `yaml:"keyTerms" json:"keyTerms,omitempty"`
}

// Template is an ordered list of sections with a name.
type Template struct {
	ID          string             `yaml:"id" json:"id"`
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description" json:"description"`
	Type        model.ContractType `yaml:"type" json:"type"`
	Sections    []Section          `yaml:"sections" json:"sections"`
}

func (t Template) validate() error {
	if t.ID == "" {
		return errors.New("template without id")
	}
	if len(t.Sections) == 0 {
		return fmt.Errorf("template %s has no sections", t.ID)
	}
	seen := make(map[string]bool, len(t.Sections))
	for i, s := range t.Sections {
		if s.ID == "" || s.Title == "" {
			return fmt.Errorf("template %s: section %d needs an id and a title", t.ID, i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("template %s: duplicate section id %q", t.ID, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Catalog holds the available templates.
type Catalog struct {
	templates map[string]Template
	now       func() time.Time
	newID     func() string
}

// Load parses every *.yaml file in fsys.
func Load(fsys fs.FS) (*Catalog, error) {
	paths, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		templates: make(map[string]Template, len(paths)),
		now:       time.Now,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, p := range paths {
		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, err
		}
		var t Template
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", p, err)
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if _, dup := c.templates[t.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate template id %q", p, t.ID)
		}
		c.templates[t.ID] = t
	}
	return c, nil
}

// Builtin loads the templates shipped with the binary.
func Builtin() (*Catalog, error) {
	sub, err := fs.Sub(builtin, "templates")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// List returns the templates sorted by id.
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the template with id.
func (c *Catalog) Get(id string) (Template, bool) {
	t, ok := c.templates[id]
	return t, ok
}

// Instantiate creates a draft contract from a template. Sections are ordered
// 1..N in template order and start pending.
func (c *Catalog) Instantiate(templateID, title string, contractType model.ContractType) (model.Contract, error) {
	t, ok := c.templates[templateID]
	if !ok {
		return model.Contract{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}
	if title == "" {
		title = t.Name
	}
	if contractType == "" {
		contractType = t.Type
	}

	now := c.now().UTC()
	sections := make([]model.Section, len(t.Sections))
	for i, s := range t.Sections {
		terms := make([]model.KeyTerm, len(s.KeyTerms))
		for j, k := range s.KeyTerms {
			terms[j] = model.KeyTerm{ID: k.ID, Label: k.Label, Value: k.Value, Description: k.Description}
		}
		sections[i] = model.Section{
			ID:                 s.ID,
			Title:              s.Title,
			Order:              i + 1,
			Status:             model.SectionPending,
			Content:            model.SectionContent{Text: s.Text},
			KeyTerms:           terms,
			NegotiationHistory: []model.NegotiationEvent{},
		}
	}

	return model.Contract{
		ID:         c.newID(),
		Title:      title,
		Type:       contractType,
		Status:     model.ContractStatusDraft,
		TemplateID: t.ID,
		Sections:   sections,
		Parties:    []model.Party{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
