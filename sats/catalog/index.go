package catalog

import (
	"github.com/armon/go-radix"
)

// Index looks products up by name, name prefix or tile.
type Index struct {
	byName *radix.Tree
	byTile *radix.Tree
}

// NewIndex indexes products. Later entries win on duplicate names.
func NewIndex(products []*ProductInfo) *Index {
	idx := &Index{byName: radix.New(), byTile: radix.New()}
	for _, p := range products {
		idx.byName.Insert(p.ProductName, p)
		idx.byTile.Insert(p.TileName+"/"+p.ProductName, p)
	}
	return idx
}

// Len returns the number of indexed products.
func (idx *Index) Len() int { return idx.byName.Len() }

// Get returns the product with the given name.
func (idx *Index) Get(name string) (*ProductInfo, bool) {
	v, ok := idx.byName.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*ProductInfo), true
}

// WithPrefix returns products whose name starts with prefix, in name order.
func (idx *Index) WithPrefix(prefix string) []*ProductInfo {
	return walk(idx.byName, prefix)
}

// ByTile returns the products of one tile, in name order.
func (idx *Index) ByTile(tile string) []*ProductInfo {
	return walk(idx.byTile, tile+"/")
}

// Filter returns the products matching an optional tile and an optional name prefix, in name
// order. Empty arguments match everything.
func (idx *Index) Filter(tile, prefix string) []*ProductInfo {
	if tile == "" {
		return idx.WithPrefix(prefix)
	}
	return walk(idx.byTile, tile+"/"+prefix)
}

// Missing returns the names indexed in idx but absent from other, in name order.
func (idx *Index) Missing(other *Index) []string {
	var out []string
	idx.byName.Walk(func(name string, _ interface{}) bool {
		if _, ok := other.byName.Get(name); !ok {
			out = append(out, name)
		}
		return false
	})
	return out
}

func walk(t *radix.Tree, prefix string) []*ProductInfo {
	var out []*ProductInfo
	t.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		out = append(out, v.(*ProductInfo))
		return false
	})
	return out
}
