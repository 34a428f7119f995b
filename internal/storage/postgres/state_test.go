//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/pos-terminal/internal/domain/pos"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "pos",
				"POSTGRES_PASSWORD": "pos",
				"POSTGRES_DB":       "pos",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	addr, err := c.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)

	pool, err := NewPool(ctx, fmt.Sprintf("postgres://pos:pos@%s/pos?sslmode=disable", addr))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func TestStateRepository(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := NewStateRepository(pool, "")

	require.NoError(t, repo.Ping(ctx))

	_, err := repo.Load(ctx)
	require.ErrorIs(t, err, pos.ErrNoSnapshot)

	snap := pos.Snapshot{
		Cart: []pos.Line{
			{ID: 4, Name: "Croissant", Price: decimal.RequireFromString("3.10"), Qty: 2},
			{ID: 5, Name: "Latte", Price: decimal.RequireFromString("4.55"), Qty: 1,
				Customizations: map[string]any{"size": "L", "shots": float64(2)}},
		},
		PaymentMethod: pos.PaymentCard,
		SelectedStore: &pos.StoreFront{ID: 2, Name: "Coffee Shop", Type: "coffee"},
		SelectedTable: &pos.Table{Number: "7", Label: "Window"},
	}
	require.NoError(t, repo.Save(ctx, snap))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.PaymentMethod, got.PaymentMethod)
	assert.Equal(t, snap.SelectedStore, got.SelectedStore)
	assert.Equal(t, snap.SelectedTable, got.SelectedTable)
	require.Len(t, got.Cart, 2)
	for i := range snap.Cart {
		assert.Equal(t, snap.Cart[i].Key(), got.Cart[i].Key())
		assert.True(t, snap.Cart[i].Price.Equal(got.Cart[i].Price), "price of line %d", i)
	}
	assert.True(t, pos.Sum(snap.Cart).Equal(pos.Sum(got.Cart)))

	// A shorter cart replaces the old lines.
	snap.Cart = snap.Cart[:1]
	snap.SelectedTable = nil
	require.NoError(t, repo.Save(ctx, snap))

	got, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Cart, 1)
	assert.Nil(t, got.SelectedTable)

	snap.Cart = nil
	require.NoError(t, repo.Save(ctx, snap))
	got, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, got.Cart)
	assert.Empty(t, got.Cart)
}
