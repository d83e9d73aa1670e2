package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/storage/memory"
	"github.com/xenking/kart-fulfillment/internal/storage/mongo"
	"github.com/xenking/kart-fulfillment/internal/storage/postgres"
	"github.com/xenking/kart-fulfillment/pkg/health"
)

// Stores bundles the repositories of one storage backend.
type Stores struct {
	Products product.Repository
	Orders   order.Repository
	APIKeys  auth.Repository

	// Ping reports backend connectivity; nil for memory.
	Ping health.CheckFunc
	// Close releases the backend.
	Close func()
}

// OpenStores connects to the configured backend and prepares its schema.
func OpenStores(ctx context.Context, lg *zap.Logger, cfg StorageConfig) (*Stores, error) {
	lg.Info("Opening storage", zap.String("driver", cfg.Driver))

	switch cfg.Driver {
	case DriverMemory:
		return &Stores{
			Products: memory.NewProductStore(),
			Orders:   memory.NewOrderStore(),
			APIKeys:  memory.NewAPIKeyStore(),
			Close:    func() {},
		}, nil

	case DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		return &Stores{
			Products: postgres.NewProductRepository(pool),
			Orders:   postgres.NewOrderRepository(pool),
			APIKeys:  postgres.NewAPIKeyRepository(pool),
			Ping:     health.PingCheck(pool),
			Close:    pool.Close,
		}, nil

	case DriverMongo:
		client, err := mongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		closeClient := func() {
			if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
				lg.Warn("Mongo disconnect failed", zap.Error(err))
			}
		}
		db := client.Database(cfg.MongoDatabase)
		if err := mongo.EnsureIndexes(ctx, db); err != nil {
			closeClient()
			return nil, errors.Wrap(err, "ensure indexes")
		}
		return &Stores{
			Products: mongo.NewProductRepository(db),
			Orders:   mongo.NewOrderRepository(db),
			APIKeys:  mongo.NewAPIKeyRepository(db),
			Ping: func(ctx context.Context) error {
				return client.Ping(ctx, readpref.Primary())
			},
			Close: closeClient,
		}, nil

	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
