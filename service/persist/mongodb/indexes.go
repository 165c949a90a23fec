package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes both stores rely on. Safe to call on every
// boot; mongo treats an existing identical index as a no-op.
func EnsureIndexes(ctx context.Context, mgoClient *mongo.Client) error {

	events := newStorage(mgoClient, 0, marketDBName, activityEventsCollName)
	collections := newStorage(mgoClient, 0, marketDBName, collectionMetadataCollName)

	eventIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "fromAccount.address", Value: 1}}},
		{Keys: bson.D{{Key: "toAccount.address", Value: 1}}},
		{Keys: bson.D{{Key: "createdDate", Value: -1}}},
		{Keys: bson.D{{Key: "nft.contract", Value: 1}, {Key: "nft.identifier", Value: 1}}},
		{
			Keys:    bson.D{{Key: "transaction", Value: 1}, {Key: "eventType", Value: 1}, {Key: "nft.identifier", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	for _, index := range eventIndexes {
		if _, err := events.createIndex(ctx, index); err != nil {
			return err
		}
	}

	collectionIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "slug", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updatedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(collectionMetadataTTL.Seconds())),
		},
	}

	for _, index := range collectionIndexes {
		if _, err := collections.createIndex(ctx, index); err != nil {
			return err
		}
	}

	return nil
}
