package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nftfolio/backend/service/persist"
)

// CollectionMongoRepository is a repository that stores collection metadata records in a MongoDB database
type CollectionMongoRepository struct {
	collections *storage
}

// NewCollectionMongoRepository creates a new instance of the collection mongo repository
func NewCollectionMongoRepository(mgoClient *mongo.Client) *CollectionMongoRepository {
	return &CollectionMongoRepository{
		collections: newStorage(mgoClient, 0, marketDBName, collectionMetadataCollName),
	}
}

// GetBySlug finds a collection record that is still within its freshness
// window. The TTL index reaps expired records lazily, so the same window is
// applied to the read.
func (c *CollectionMongoRepository) GetBySlug(pCtx context.Context, pSlug string) (persist.CollectionMetadata, error) {
	opts := options.Find()
	opts.SetLimit(1)
	if deadline, ok := pCtx.Deadline(); ok {
		opts.SetMaxTime(time.Until(deadline))
	}

	freshAfter := primitive.NewDateTimeFromTime(time.Now().Add(-collectionMetadataTTL))

	result := []persist.CollectionMetadata{}
	err := c.collections.find(pCtx, bson.M{"slug": pSlug, "updatedAt": bson.M{"$gt": freshAfter}}, &result, opts)
	if err != nil {
		return persist.CollectionMetadata{}, err
	}

	if len(result) != 1 {
		return persist.CollectionMetadata{}, persist.ErrCollectionNotFound{Slug: pSlug}
	}

	return result[0], nil
}

// Upsert writes a collection record keyed by slug, refreshing its TTL
func (c *CollectionMongoRepository) Upsert(pCtx context.Context, pMetadata persist.CollectionMetadata) error {
	_, err := c.collections.upsert(pCtx, bson.M{"slug": pMetadata.Slug}, pMetadata)
	return err
}
