package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/source"
	"github.com/xxxsen/kbimport/internal/testutil"
)

func TestConnectorResolverCachesPerRevision(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddIntegration(model.Integration{ID: "i1", TeamID: testTeam, Service: testService, AccessToken: "t1", Mtime: 100})
	var tokens []string
	r := NewConnectorResolver(store, func(service, token string) (source.Connector, error) {
		tokens = append(tokens, token)
		return newFakeConnector(), nil
	}, 4, time.Minute)
	imp := &model.Import{ID: "imp", Service: testService, IntegrationID: "i1"}

	c1, err := r.Resolve(context.Background(), imp)
	require.NoError(t, err)
	c2, err := r.Resolve(context.Background(), imp)
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, []string{"t1"}, tokens)

	store.AddIntegration(model.Integration{ID: "i1", TeamID: testTeam, Service: testService, AccessToken: "t2", Mtime: 200})
	c3, err := r.Resolve(context.Background(), imp)
	require.NoError(t, err)
	require.NotSame(t, c1, c3)
	require.Equal(t, []string{"t1", "t2"}, tokens)
}

func TestConnectorResolverRejectsUnusableIntegration(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddIntegration(model.Integration{ID: "revoked", Service: testService, AccessToken: "t", Revoked: true})
	store.AddIntegration(model.Integration{ID: "empty", Service: testService})
	store.AddIntegration(model.Integration{ID: "other", Service: "notion", AccessToken: "t"})
	r := NewConnectorResolver(store, func(service, token string) (source.Connector, error) {
		t.Fatalf("factory must not be called")
		return nil, nil
	}, 4, time.Minute)

	for _, id := range []string{"revoked", "empty", "missing"} {
		_, err := r.Resolve(context.Background(), &model.Import{Service: testService, IntegrationID: id})
		require.ErrorIs(t, err, appErr.ErrAuthenticationExpired, id)
	}
	_, err := r.Resolve(context.Background(), &model.Import{Service: testService, IntegrationID: "other"})
	require.ErrorIs(t, err, appErr.ErrInvalidIntegration)
}
