package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

//go:embed catalog.json
var defaultCatalogJSON []byte

var (
	ErrDuplicateType   = errors.New("duplicate notification type")
	ErrUnknownCategory = errors.New("unknown category")
)

// Catalog holds the notification type and category reference data.
// It is never mutated after construction and is safe for concurrent reads.
type Catalog struct {
	categories []CategoryInfo
	info       map[Category]CategoryInfo
	types      []NotificationType
	byID       map[string]NotificationType
	byCategory map[Category][]NotificationType
}

type catalogFile struct {
	Categories []CategoryInfo      `json:"categories"`
	Types      []NotificationType `json:"types"`
}

// Default returns the catalog compiled into the binary
func Default() *Catalog {
	return defaultCatalog()
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := Load(bytes.NewReader(defaultCatalogJSON))
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
})

// LoadFile reads a catalog from a JSON file
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates a catalog
func Load(r io.Reader) (*Catalog, error) {
	var file catalogFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(file.Categories, file.Types)
}

// New builds a catalog. Security types are always locked; no other type is.
func New(categories []CategoryInfo, types []NotificationType) (*Catalog, error) {
	c := &Catalog{
		info:       make(map[Category]CategoryInfo, len(categories)),
		byID:       make(map[string]NotificationType, len(types)),
		byCategory: make(map[Category][]NotificationType, len(categories)),
	}

	for _, info := range categories {
		if _, ok := c.info[info.Category]; ok {
			continue
		}
		c.info[info.Category] = info
		c.categories = append(c.categories, info)
	}
	if _, ok := c.info[CategorySecurity]; !ok {
		info := CategoryInfo{Category: CategorySecurity, Label: "Security", Icon: "shield", Color: "#dc2626"}
		c.info[CategorySecurity] = info
		c.categories = append(c.categories, info)
	}

	for _, t := range types {
		if t.ID == "" {
			return nil, errors.New("notification type without id")
		}
		if _, ok := c.info[t.Category]; !ok {
			return nil, fmt.Errorf("%w %q for type %s", ErrUnknownCategory, t.Category, t.ID)
		}
		if _, ok := c.byID[t.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateType, t.ID)
		}
		if _, err := ParsePriority(string(t.Priority)); err != nil {
			return nil, fmt.Errorf("type %s: %w", t.ID, err)
		}
		t.Locked = t.Category.IsSecurity()
		c.byID[t.ID] = t
		c.byCategory[t.Category] = append(c.byCategory[t.Category], t)
		c.types = append(c.types, t)
	}

	return c, nil
}

// Categories returns category metadata in catalog order
func (c *Catalog) Categories() []CategoryInfo {
	out := make([]CategoryInfo, len(c.categories))
	copy(out, c.categories)
	return out
}

// CategoryIDs returns the known categories in catalog order
func (c *Catalog) CategoryIDs() []Category {
	out := make([]Category, 0, len(c.categories))
	for _, info := range c.categories {
		out = append(out, info.Category)
	}
	return out
}

// HasCategory reports whether the category is known
func (c *Catalog) HasCategory(category Category) bool {
	_, ok := c.info[category]
	return ok
}

// Info returns display metadata for a category
func (c *Catalog) Info(category Category) (CategoryInfo, bool) {
	info, ok := c.info[category]
	return info, ok
}

// Type looks up a notification type by id
func (c *Catalog) Type(id string) (NotificationType, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Types returns every notification type in catalog order
func (c *Catalog) Types() []NotificationType {
	out := make([]NotificationType, len(c.types))
	copy(out, c.types)
	return out
}

// TypesIn returns the types belonging to a category
func (c *Catalog) TypesIn(category Category) []NotificationType {
	src := c.byCategory[category]
	out := make([]NotificationType, len(src))
	copy(out, src)
	return out
}
