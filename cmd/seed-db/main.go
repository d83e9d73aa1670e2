package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appkg "github.com/xenking/kart-fulfillment/internal/app"
	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

type productJSON struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	PriceCZK    decimal.Decimal `json:"price_czk"`
	PriceEUR    decimal.Decimal `json:"price_eur"`
	Stock       int64           `json:"stock"`
}

type keyFlags struct {
	raw   string
	id    string
	owner string
	admin bool
}

func main() {
	var (
		productsFile string
		key          keyFlags
	)

	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&key.raw, "api-key", "", "API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&key.id, "key-id", "admin", "identifier of the seeded key")
	flag.StringVar(&key.owner, "owner", "admin", "owner the seeded key acts for")
	flag.BoolVar(&key.admin, "admin", true, "grant the admin scope to the seeded key")
	flag.Parse()

	if key.raw == "" {
		key.raw = os.Getenv("KART_SEED_API_KEY")
	}
	if key.raw == "" {
		slog.Error("API key is required: set --api-key or KART_SEED_API_KEY")
		os.Exit(1)
	}

	cfg, err := appkg.LoadConfig()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.Storage.Driver == appkg.DriverMemory {
		slog.Error("seeding the memory driver has no effect, choose postgres or mongo")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, productsFile, key); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, cfg *appkg.Config, productsFile string, key keyFlags) error {
	slog.Info("connecting to storage", slog.String("driver", cfg.Storage.Driver))

	stores, err := appkg.OpenStores(ctx, zap.NewNop(), cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer stores.Close()

	if err := seedProducts(ctx, stores.Products, productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedAPIKey(ctx, stores.APIKeys, key, cfg.APIKeyPepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedProducts(ctx context.Context, repo product.Repository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	existing, err := repo.List(ctx, product.Filter{})
	if err != nil {
		return errors.Wrap(err, "list products")
	}
	byName := make(map[string]string, len(existing))
	for _, p := range existing {
		byName[p.Name] = p.ID
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		czk, err := product.MinorUnits(p.PriceCZK)
		if err != nil {
			return errors.Wrapf(err, "product %q price_czk", p.Name)
		}
		eur, err := product.MinorUnits(p.PriceEUR)
		if err != nil {
			return errors.Wrapf(err, "product %q price_eur", p.Name)
		}

		// Rows are matched by name so reruns replace rather than duplicate.
		saved, err := repo.Upsert(ctx, product.Product{
			ID:          byName[p.Name],
			Name:        p.Name,
			Description: p.Description,
			Category:    p.Category,
			PriceCZK:    czk,
			PriceEUR:    eur,
			Stock:       p.Stock,
		})
		if err != nil {
			return errors.Wrapf(err, "upsert product %q", p.Name)
		}

		slog.Info("upserted product", slog.String("id", saved.ID), slog.String("name", saved.Name))
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo auth.Repository, key keyFlags, pepper string) error {
	slog.Info("seeding API key", slog.String("id", key.id), slog.String("owner", key.owner))

	scopes := []string{}
	if key.admin {
		scopes = append(scopes, auth.ScopeAdmin)
	}

	if err := repo.Upsert(ctx, auth.APIKeyInfo{
		ID:      key.id,
		KeyHash: auth.HashKey(key.raw, []byte(pepper)),
		Name:    "Seeded key " + key.id,
		OwnerID: key.owner,
		Scopes:  scopes,
	}); err != nil {
		return errors.Wrap(err, "upsert API key")
	}

	slog.Info("upserted API key", slog.String("id", key.id), slog.Bool("admin", key.admin))

	return nil
}
