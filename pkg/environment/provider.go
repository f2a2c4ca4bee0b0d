// Package environment resolves the variables handed to compute units.
package environment

import (
	"context"
	"os"
)

// Provider looks up a single environment variable.
type Provider interface {
	Get(ctx context.Context, name string) (string, bool)
}

// OSProvider reads the orchestrator's own environment.
type OSProvider struct{}

func NewOSProvider() *OSProvider {
	return &OSProvider{}
}

func (p *OSProvider) Get(_ context.Context, name string) (string, bool) {
	return os.LookupEnv(name)
}

// MultiProvider asks each provider in turn and returns the first hit.
type MultiProvider struct {
	providers []Provider
}

func NewMultiProvider(providers ...Provider) *MultiProvider {
	return &MultiProvider{providers: providers}
}

func (p *MultiProvider) Get(ctx context.Context, name string) (string, bool) {
	for _, provider := range p.providers {
		if v, ok := provider.Get(ctx, name); ok {
			return v, true
		}
	}
	return "", false
}
