package mongo

import (
	"context"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
)

type apiKeyDoc struct {
	ID      string   `bson:"_id"`
	KeyHash string   `bson:"key_hash"`
	Name    string   `bson:"name"`
	OwnerID string   `bson:"owner_id"`
	Scopes  []string `bson:"scopes"`
}

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups backed by MongoDB.
type APIKeyRepository struct {
	col *mongo.Collection
}

// NewAPIKeyRepository returns an APIKeyRepository over db.
func NewAPIKeyRepository(db *mongo.Database) *APIKeyRepository {
	return &APIKeyRepository{col: db.Collection(apiKeysCollection)}
}

// FindByHash looks up an API key by its HMAC-SHA256 hash.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var doc apiKeyDoc
	if err := r.col.FindOne(ctx, bson.M{"key_hash": hash}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, auth.ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "find api key by hash")
	}
	return &auth.APIKeyInfo{
		ID:      doc.ID,
		KeyHash: doc.KeyHash,
		Name:    doc.Name,
		OwnerID: doc.OwnerID,
		Scopes:  doc.Scopes,
	}, nil
}

// Upsert stores info, replacing the key with the same id.
func (r *APIKeyRepository) Upsert(ctx context.Context, info auth.APIKeyInfo) error {
	doc := apiKeyDoc{
		ID:      info.ID,
		KeyHash: info.KeyHash,
		Name:    info.Name,
		OwnerID: info.OwnerID,
		Scopes:  info.Scopes,
	}
	_, err := r.col.ReplaceOne(ctx, bson.M{"_id": info.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrapf(err, "upsert api key %q", info.ID)
	}
	return nil
}
