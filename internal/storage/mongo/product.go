package mongo

import (
	"context"
	"regexp"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

type productDoc struct {
	ID          string    `bson:"_id"`
	Seq         int64     `bson:"seq"`
	Name        string    `bson:"name"`
	Description string    `bson:"description"`
	Category    string    `bson:"category"`
	PriceCZK    int64     `bson:"price_czk"`
	PriceEUR    int64     `bson:"price_eur"`
	Stock       int64     `bson:"stock"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d productDoc) product() product.Product {
	return product.Product{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		PriceCZK:    d.PriceCZK,
		PriceEUR:    d.PriceEUR,
		Stock:       d.Stock,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository on a MongoDB collection.
type ProductRepository struct {
	col *mongo.Collection
	seq sequence
	now func() time.Time
}

// NewProductRepository returns a ProductRepository over db.
func NewProductRepository(db *mongo.Database) *ProductRepository {
	return &ProductRepository{
		col: db.Collection(productsCollection),
		seq: sequence{counters: db.Collection(countersCollection), name: productsCollection},
		now: time.Now,
	}
}

// Get returns a single product by its identifier.
func (r *ProductRepository) Get(ctx context.Context, id string) (*product.Product, error) {
	var doc productDoc
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	p := doc.product()
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	return r.find(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

// List returns products matching filter in creation order.
func (r *ProductRepository) List(ctx context.Context, filter product.Filter) ([]product.Product, error) {
	q := bson.M{}
	if filter.Category != "" {
		q["category"] = filter.Category
	}
	if filter.Search != "" {
		q["name"] = primitive.Regex{Pattern: regexp.QuoteMeta(filter.Search), Options: "i"}
	}
	return r.find(ctx, q)
}

func (r *ProductRepository) find(ctx context.Context, q bson.M) ([]product.Product, error) {
	cursor, err := r.col.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find products")
	}
	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode products")
	}
	out := make([]product.Product, len(docs))
	for i, d := range docs {
		out[i] = d.product()
	}
	return out, nil
}

// Upsert inserts p when its ID is empty and replaces every mutable field of
// the stored document otherwise.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) (*product.Product, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := utcMillis(r.now())

	if p.ID == "" {
		seq, err := r.seq.next(ctx)
		if err != nil {
			return nil, err
		}
		doc := productDoc{
			ID:          uuid.New().String(),
			Seq:         seq,
			Name:        p.Name,
			Description: p.Description,
			Category:    p.Category,
			PriceCZK:    p.PriceCZK,
			PriceEUR:    p.PriceEUR,
			Stock:       p.Stock,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := r.col.InsertOne(ctx, doc); err != nil {
			return nil, errors.Wrap(err, "insert product")
		}
		created := doc.product()
		return &created, nil
	}

	var doc productDoc
	err := r.col.FindOneAndUpdate(ctx,
		bson.M{"_id": p.ID},
		bson.M{"$set": bson.M{
			"name":        p.Name,
			"description": p.Description,
			"category":    p.Category,
			"price_czk":   p.PriceCZK,
			"price_eur":   p.PriceEUR,
			"stock":       p.Stock,
			"updated_at":  now,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "replace product %q", p.ID)
	}
	updated := doc.product()
	return &updated, nil
}

// Delete removes a product.
func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "delete product %q", id)
	}
	if res.DeletedCount == 0 {
		return product.ErrNotFound
	}
	return nil
}

// TryDecrement subtracts qty when the stored stock covers it. A miss followed
// by a read showing enough stock means a concurrent restock; the update is
// tried once more.
func (r *ProductRepository) TryDecrement(ctx context.Context, id string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, errors.Errorf("invalid decrement quantity %d", qty)
	}
	for attempt := 0; ; attempt++ {
		stock, err := r.inc(ctx, bson.M{"_id": id, "stock": bson.M{"$gte": qty}}, -qty)
		if err == nil {
			return stock, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return 0, errors.Wrapf(err, "decrement product %q", id)
		}

		current, err := r.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if current.Stock < qty || attempt > 0 {
			return 0, product.NewInsufficientStockError(id, qty, current.Stock)
		}
	}
}

// Restock adds qty to the product's stock.
func (r *ProductRepository) Restock(ctx context.Context, id string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, errors.Errorf("invalid restock quantity %d", qty)
	}
	stock, err := r.inc(ctx, bson.M{"_id": id}, qty)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, product.ErrNotFound
		}
		return 0, errors.Wrapf(err, "restock product %q", id)
	}
	return stock, nil
}

func (r *ProductRepository) inc(ctx context.Context, filter bson.M, delta int64) (int64, error) {
	var doc struct {
		Stock int64 `bson:"stock"`
	}
	err := r.col.FindOneAndUpdate(ctx, filter,
		bson.M{
			"$inc": bson.M{"stock": delta},
			"$set": bson.M{"updated_at": utcMillis(r.now())},
		},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"stock": 1}),
	).Decode(&doc)
	return doc.Stock, err
}
