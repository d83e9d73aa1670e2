// Package storagetest holds contract tests shared by every storage backend.
package storagetest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

// Products runs the product.Repository contract against repo. Every test
// creates its own rows, so repo may be shared and non-empty.
func Products(t *testing.T, repo product.Repository) {
	t.Run("UpsertReplacesAllFields", func(t *testing.T) {
		ctx := context.Background()
		created, err := repo.Upsert(ctx, product.Product{
			Name:        "Waffle",
			Description: "Crispy",
			Category:    "waffles",
			PriceCZK:    15000,
			PriceEUR:    650,
			Stock:       5,
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)

		_, err = repo.Upsert(ctx, product.Product{ID: created.ID, Name: "Belgian Waffle", Stock: 1})
		require.NoError(t, err)

		got, err := repo.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Belgian Waffle", got.Name)
		assert.Empty(t, got.Description)
		assert.Empty(t, got.Category)
		assert.Zero(t, got.PriceCZK)
		assert.Equal(t, int64(1), got.Stock)
		assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("UpsertUnknownID", func(t *testing.T) {
		_, err := repo.Upsert(context.Background(), product.Product{ID: uuid.NewString(), Name: "Ghost"})
		require.ErrorIs(t, err, product.ErrNotFound)
	})

	t.Run("TryDecrement", func(t *testing.T) {
		ctx := context.Background()
		p := create(t, repo, "Macaron", 5)

		stock, err := repo.TryDecrement(ctx, p.ID, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stock)

		_, err = repo.TryDecrement(ctx, p.ID, 3)
		var ise *product.InsufficientStockError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, int64(2), ise.Available)

		stock, err = repo.Restock(ctx, p.ID, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(6), stock)

		_, err = repo.TryDecrement(ctx, uuid.NewString(), 1)
		require.ErrorIs(t, err, product.ErrNotFound)
		_, err = repo.Restock(ctx, uuid.NewString(), 1)
		require.ErrorIs(t, err, product.ErrNotFound)
	})

	t.Run("ConcurrentDecrementsNeverOversell", func(t *testing.T) {
		ctx := context.Background()
		p := create(t, repo, "Tiramisu", 20)

		var ok atomic.Int64
		var g errgroup.Group
		for range 60 {
			g.Go(func() error {
				_, err := repo.TryDecrement(ctx, p.ID, 1)
				if errors.Is(err, product.ErrInsufficientStock) {
					return nil
				}
				if err == nil {
					ok.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())

		got, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(20), ok.Load())
		assert.Zero(t, got.Stock)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		ctx := context.Background()
		category := "cat-" + uuid.NewString()
		a, err := repo.Upsert(ctx, product.Product{Name: "Lemon Cake", Category: category})
		require.NoError(t, err)
		b, err := repo.Upsert(ctx, product.Product{Name: "Chocolate cake", Category: category})
		require.NoError(t, err)
		_, err = repo.Upsert(ctx, product.Product{Name: "Lemon Tart", Category: category})
		require.NoError(t, err)

		cakes, err := repo.List(ctx, product.Filter{Category: category, Search: "CAKE"})
		require.NoError(t, err)
		require.Len(t, cakes, 2)
		assert.Equal(t, a.ID, cakes[0].ID)
		assert.Equal(t, b.ID, cakes[1].ID)

		byIDs, err := repo.GetByIDs(ctx, []string{a.ID, uuid.NewString()})
		require.NoError(t, err)
		require.Len(t, byIDs, 1)

		require.NoError(t, repo.Delete(ctx, a.ID))
		require.ErrorIs(t, repo.Delete(ctx, a.ID), product.ErrNotFound)
		_, err = repo.Get(ctx, a.ID)
		require.ErrorIs(t, err, product.ErrNotFound)
	})
}

// Orders runs the order.Repository contract against repo.
func Orders(t *testing.T, repo order.Repository) {
	newOrder := func(owner string) *order.Order {
		now := time.Now().UTC().Truncate(time.Millisecond)
		return &order.Order{
			ID:        uuid.NewString(),
			OwnerID:   owner,
			Lines:     []order.Line{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
			Status:    order.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("CreateGet", func(t *testing.T) {
		ctx := context.Background()
		o := newOrder("owner-" + uuid.NewString())
		require.NoError(t, repo.Create(ctx, o))

		got, err := repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.OwnerID, got.OwnerID)
		assert.Equal(t, o.Lines, got.Lines)
		assert.Equal(t, order.StatusPending, got.Status)

		_, err = repo.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		ctx := context.Background()
		owner := "owner-" + uuid.NewString()
		first, second := newOrder(owner), newOrder(owner)
		require.NoError(t, repo.Create(ctx, first))
		require.NoError(t, repo.Create(ctx, second))
		require.NoError(t, repo.Create(ctx, newOrder("someone-else")))

		mine, err := repo.List(ctx, order.Filter{OwnerID: owner})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, first.ID, mine[0].ID)
		assert.Equal(t, second.ID, mine[1].ID)

		_, err = repo.UpdateStatus(ctx, second.ID, order.StatusPending, order.StatusCancelled)
		require.NoError(t, err)
		cancelled, err := repo.List(ctx, order.Filter{OwnerID: owner, Status: order.StatusCancelled})
		require.NoError(t, err)
		require.Len(t, cancelled, 1)
		assert.Equal(t, second.ID, cancelled[0].ID)
	})

	t.Run("UpdateStatusSingleWinner", func(t *testing.T) {
		ctx := context.Background()
		o := newOrder("owner-" + uuid.NewString())
		require.NoError(t, repo.Create(ctx, o))

		var wins, conflicts atomic.Int64
		var g errgroup.Group
		for range 10 {
			g.Go(func() error {
				_, err := repo.UpdateStatus(ctx, o.ID, order.StatusPending, order.StatusCompleted)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, order.ErrStatusConflict):
					conflicts.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), wins.Load())
		assert.Equal(t, int64(9), conflicts.Load())

		_, err := repo.UpdateStatus(ctx, uuid.NewString(), order.StatusPending, order.StatusCompleted)
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("ClaimSingleWinner", func(t *testing.T) {
		ctx := context.Background()
		o := newOrder("owner-" + uuid.NewString())
		require.NoError(t, repo.Create(ctx, o))

		var wins, conflicts atomic.Int64
		var g errgroup.Group
		for range 10 {
			g.Go(func() error {
				_, err := repo.Claim(ctx, o.ID)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, order.ErrStatusConflict):
					conflicts.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), wins.Load())
		assert.Equal(t, int64(9), conflicts.Load())

		_, err := repo.Claim(ctx, uuid.NewString())
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("ClaimRelease", func(t *testing.T) {
		ctx := context.Background()
		o := newOrder("owner-" + uuid.NewString())
		require.NoError(t, repo.Create(ctx, o))

		claimed, err := repo.Claim(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.Lines, claimed.Lines)
		assert.Equal(t, order.StatusPending, claimed.Status)

		require.NoError(t, repo.Release(ctx, o.ID))
		_, err = repo.Claim(ctx, o.ID)
		require.NoError(t, err, "released order can be claimed again")

		// The status write clears the claim; a terminal order stays unclaimable.
		_, err = repo.UpdateStatus(ctx, o.ID, order.StatusPending, order.StatusCompleted)
		require.NoError(t, err)
		_, err = repo.Claim(ctx, o.ID)
		require.ErrorIs(t, err, order.ErrStatusConflict)
		require.NoError(t, repo.Release(ctx, o.ID))

		got, err := repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCompleted, got.Status)
	})
}

// APIKeys runs the auth.Repository contract against repo.
func APIKeys(t *testing.T, repo auth.Repository) {
	ctx := context.Background()
	id := uuid.NewString()
	oldHash, newHash := "hash-"+uuid.NewString(), "hash-"+uuid.NewString()

	_, err := repo.FindByHash(ctx, oldHash)
	require.ErrorIs(t, err, auth.ErrKeyNotFound)

	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{ID: id, KeyHash: oldHash, Name: "ci", OwnerID: "u1"}))
	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{
		ID: id, KeyHash: newHash, Name: "ci", OwnerID: "u1", Scopes: []string{auth.ScopeAdmin},
	}))

	_, err = repo.FindByHash(ctx, oldHash)
	require.ErrorIs(t, err, auth.ErrKeyNotFound)

	info, err := repo.FindByHash(ctx, newHash)
	require.NoError(t, err)
	assert.Equal(t, "u1", info.OwnerID)
	assert.True(t, info.Caller().Admin)
}

func create(t *testing.T, repo product.Repository, name string, stock int64) *product.Product {
	t.Helper()
	p, err := repo.Upsert(context.Background(), product.Product{Name: name, Stock: stock})
	require.NoError(t, err)
	return p
}
