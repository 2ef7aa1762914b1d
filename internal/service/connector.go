package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/pkg/timeutil"
	"github.com/xxxsen/kbimport/internal/source"
)

type ConnectorFactory func(service, token string) (source.Connector, error)

type integrationReader interface {
	GetIntegration(ctx context.Context, id string) (*model.Integration, error)
}

// ConnectorResolver hands out source connectors for integrations. Connectors
// are cached per integration revision so the rate limiter of a connector is
// shared by every task of the same integration.
type ConnectorResolver struct {
	store   integrationReader
	factory ConnectorFactory
	cache   *expirable.LRU[string, source.Connector]
}

func NewConnectorResolver(store integrationReader, factory ConnectorFactory, size int, ttl time.Duration) *ConnectorResolver {
	if size <= 0 {
		size = 128
	}
	return &ConnectorResolver{
		store:   store,
		factory: factory,
		cache:   expirable.NewLRU[string, source.Connector](size, nil, ttl),
	}
}

// Integration loads an integration and checks that it can still be used for
// the given service.
func (r *ConnectorResolver) Integration(ctx context.Context, integrationID, service string) (*model.Integration, error) {
	integ, err := r.store.GetIntegration(ctx, integrationID)
	if err != nil {
		if errors.Is(err, appErr.ErrNotFound) {
			return nil, fmt.Errorf("integration %s: %w", integrationID, appErr.ErrAuthenticationExpired)
		}
		return nil, err
	}
	if integ.Service != service {
		return nil, fmt.Errorf("integration %s belongs to %s: %w", integrationID, integ.Service, appErr.ErrInvalidIntegration)
	}
	if !integ.Usable(timeutil.NowUnix()) {
		return nil, fmt.Errorf("integration %s: %w", integrationID, appErr.ErrAuthenticationExpired)
	}
	return integ, nil
}

func (r *ConnectorResolver) Connector(integ *model.Integration) (source.Connector, error) {
	key := fmt.Sprintf("%s:%d", integ.ID, integ.Mtime)
	if conn, ok := r.cache.Get(key); ok {
		return conn, nil
	}
	conn, err := r.factory(integ.Service, integ.AccessToken)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, conn)
	return conn, nil
}

// Resolve returns the connector for the integration an import runs under.
func (r *ConnectorResolver) Resolve(ctx context.Context, imp *model.Import) (source.Connector, error) {
	integ, err := r.Integration(ctx, imp.IntegrationID, imp.Service)
	if err != nil {
		return nil, err
	}
	return r.Connector(integ)
}
