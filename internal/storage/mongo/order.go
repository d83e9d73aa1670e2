package mongo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

type lineDoc struct {
	ProductID string `bson:"product_id"`
	Quantity  int64  `bson:"quantity"`
}

type orderDoc struct {
	ID        string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	OwnerID   string    `bson:"owner_id"`
	Lines     []lineDoc `bson:"lines"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	// ClaimedAt is absent or null while the order is unclaimed.
	ClaimedAt *time.Time `bson:"claimed_at,omitempty"`
}

func (d orderDoc) order() order.Order {
	lines := make([]order.Line, len(d.Lines))
	for i, l := range d.Lines {
		lines[i] = order.Line{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return order.Order{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Lines:     lines,
		Status:    order.Status(d.Status),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository on a MongoDB collection.
type OrderRepository struct {
	col *mongo.Collection
	seq sequence
	now func() time.Time
}

// NewOrderRepository returns an OrderRepository over db.
func NewOrderRepository(db *mongo.Database) *OrderRepository {
	return &OrderRepository{
		col: db.Collection(ordersCollection),
		seq: sequence{counters: db.Collection(countersCollection), name: ordersCollection},
		now: time.Now,
	}
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	seq, err := r.seq.next(ctx)
	if err != nil {
		return err
	}
	doc := orderDoc{
		ID:        o.ID,
		Seq:       seq,
		OwnerID:   o.OwnerID,
		Lines:     make([]lineDoc, len(o.Lines)),
		Status:    string(o.Status),
		CreatedAt: utcMillis(o.CreatedAt),
		UpdatedAt: utcMillis(o.UpdatedAt),
	}
	for i, l := range o.Lines {
		doc.Lines[i] = lineDoc{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	return nil
}

// Get returns an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	var doc orderDoc
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	o := doc.order()
	return &o, nil
}

// List returns matching orders in insertion order.
func (r *OrderRepository) List(ctx context.Context, filter order.Filter) ([]order.Order, error) {
	q := bson.M{}
	if filter.OwnerID != "" {
		q["owner_id"] = filter.OwnerID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	cursor, err := r.col.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	var docs []orderDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode orders")
	}
	out := make([]order.Order, len(docs))
	for i, d := range docs {
		out[i] = d.order()
	}
	return out, nil
}

// UpdateStatus is a compare-and-set on the status field.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status) (*order.Order, error) {
	var doc orderDoc
	err := r.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{
			"$set":   bson.M{"status": string(to), "updated_at": utcMillis(r.now())},
			"$unset": bson.M{"claimed_at": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		o := doc.order()
		return &o, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(err, "update order %q status", id)
	}
	return nil, r.missOrConflict(ctx, id)
}

// Claim sets claimed_at on a Pending order whose claim is clear. A nil
// filter value matches both a null and a missing field.
func (r *OrderRepository) Claim(ctx context.Context, id string) (*order.Order, error) {
	var doc orderDoc
	err := r.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(order.StatusPending), "claimed_at": nil},
		bson.M{"$set": bson.M{"claimed_at": utcMillis(r.now())}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		o := doc.order()
		return &o, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(err, "claim order %q", id)
	}
	return nil, r.missOrConflict(ctx, id)
}

// Release unsets claimed_at on a Pending order.
func (r *OrderRepository) Release(ctx context.Context, id string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(order.StatusPending)},
		bson.M{"$unset": bson.M{"claimed_at": ""}},
	)
	if err != nil {
		return errors.Wrapf(err, "release order %q", id)
	}
	return nil
}

func (r *OrderRepository) missOrConflict(ctx context.Context, id string) error {
	n, err := r.col.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "check order %q", id)
	}
	if n == 0 {
		return order.ErrNotFound
	}
	return order.ErrStatusConflict
}
