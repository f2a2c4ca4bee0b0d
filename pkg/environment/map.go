package environment

import (
	"context"
	"maps"
)

// MapProvider serves variables from a fixed map. The map must not change
// after construction.
type MapProvider struct {
	values map[string]string
}

func NewMapProvider(values map[string]string) *MapProvider {
	return &MapProvider{
		values: values,
	}
}

func (p *MapProvider) Get(_ context.Context, name string) (string, bool) {
	val, found := p.values[name]
	return val, found
}

// All returns a copy of every variable.
func (p *MapProvider) All() map[string]string {
	return maps.Clone(p.values)
}
