package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xxxsen/kbimport/internal/model"
)

// Connector reads pages from one external workspace using a single
// integration credential.
type Connector interface {
	FetchRootPages(ctx context.Context) ([]model.PageRef, error)
	FetchPage(ctx context.Context, ref model.ChildRef) (*model.RawPage, error)
}

type Factory func(token string, args interface{}) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

// Supported reports whether a connector is registered for the service.
func Supported(name string) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[key]
	return ok
}

func New(name, token string, args interface{}) (Connector, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("source service is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported source service: %s", name)
	}
	return factory(token, args)
}
