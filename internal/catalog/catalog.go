// Package catalog holds the purchasable items and their prices.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Item is one purchasable avatar.
type Item struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Price int64  `yaml:"price" json:"price"`
}

// Catalog is an immutable, validated set of items.
type Catalog struct {
	items []Item
	byID  map[string]Item
}

type file struct {
	Items []Item `yaml:"items"`
}

// Default returns the built-in avatar catalog.
func Default() *Catalog {
	c, err := New([]Item{
		{ID: "bigrun.PNG", Name: "Trail Runner", Price: 0},
		{ID: "imwalkin.PNG", Name: "Night Sprinter", Price: 300},
		{ID: "plane.PNG", Name: "Mountain Climber", Price: 500},
		{ID: "kingrun.PNG", Name: "Speed Demon", Price: 750},
		{ID: "partner.PNG", Name: "Zen Jogger", Price: 1000},
		{ID: "blackwhiterunner.PNG", Name: "Cyber Runner", Price: 1250},
		{ID: "apple.PNG", Name: "Forest Guardian", Price: 1500},
		{ID: "shoe.PNG", Name: "Urban Explorer", Price: 2000},
		{ID: "mustacherunner.PNG", Name: "Desert Nomad", Price: 2500},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// New validates items and builds a catalog.
func New(items []Item) (*Catalog, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("catalog has no items")
	}

	c := &Catalog{byID: make(map[string]Item, len(items))}
	for i, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("item %d: id is required", i)
		}
		if it.Price < 0 {
			return nil, fmt.Errorf("item %q: price must not be negative", it.ID)
		}
		if _, dup := c.byID[it.ID]; dup {
			return nil, fmt.Errorf("item %q: duplicate id", it.ID)
		}
		if it.Name == "" {
			it.Name = it.ID
		}
		c.byID[it.ID] = it
		c.items = append(c.items, it)
	}

	sort.Slice(c.items, func(i, j int) bool {
		if c.items[i].Price != c.items[j].Price {
			return c.items[i].Price < c.items[j].Price
		}
		return c.items[i].ID < c.items[j].ID
	})
	return c, nil
}

// Load reads a catalog YAML file:
//
//	items:
//	  - id: kingrun.PNG
//	    name: Speed Demon
//	    price: 750
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return New(f.Items)
}

// LoadOrDefault loads path, or returns the default catalog when path is empty.
func LoadOrDefault(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Lookup returns the item with the given id.
func (c *Catalog) Lookup(id string) (Item, bool) {
	it, ok := c.byID[id]
	return it, ok
}

// List returns every item, cheapest first.
func (c *Catalog) List() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// IDs returns every item id in listing order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.items))
	for i, it := range c.items {
		ids[i] = it.ID
	}
	return ids
}
