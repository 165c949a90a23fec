package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nftfolio/backend/service/persist"
)

// ActivityMongoRepository is a repository that stores account timeline events in a MongoDB database
type ActivityMongoRepository struct {
	events *storage
}

// NewActivityMongoRepository creates a new instance of the activity mongo repository
func NewActivityMongoRepository(mgoClient *mongo.Client) *ActivityMongoRepository {
	return &ActivityMongoRepository{
		events: newStorage(mgoClient, 0, marketDBName, activityEventsCollName),
	}
}

// GetLatestByAccount finds the newest stored event in which the account appears
// on either side of the transfer
func (a *ActivityMongoRepository) GetLatestByAccount(pCtx context.Context, pAddress persist.EthereumAddress) (persist.ActivityEvent, error) {
	opts := options.Find()
	opts.SetSort(bson.M{"createdDate": -1})
	opts.SetLimit(1)
	if deadline, ok := pCtx.Deadline(); ok {
		opts.SetMaxTime(time.Until(deadline))
	}

	result := []persist.ActivityEvent{}
	if err := a.events.find(pCtx, accountFilter(pAddress), &result, opts); err != nil {
		return persist.ActivityEvent{}, err
	}

	if len(result) != 1 {
		return persist.ActivityEvent{}, persist.ErrEventNotFound{Address: pAddress}
	}

	return result[0], nil
}

// CountByAccount counts the stored events in which the account appears
func (a *ActivityMongoRepository) CountByAccount(pCtx context.Context, pAddress persist.EthereumAddress) (int64, error) {
	return a.events.count(pCtx, accountFilter(pAddress))
}

// GetByAccountPaginated returns a page of the account's events, newest first
func (a *ActivityMongoRepository) GetByAccountPaginated(pCtx context.Context, pAddress persist.EthereumAddress, pSkip, pLimit int64) ([]persist.ActivityEvent, error) {
	opts := options.Find()
	opts.SetSort(bson.M{"createdDate": -1})
	opts.SetSkip(pSkip)
	opts.SetLimit(pLimit)
	if deadline, ok := pCtx.Deadline(); ok {
		opts.SetMaxTime(time.Until(deadline))
	}

	result := []persist.ActivityEvent{}
	if err := a.events.find(pCtx, accountFilter(pAddress), &result, opts); err != nil {
		return nil, err
	}

	return result, nil
}

// BulkUpsert stores many events in one unordered write. Events already present
// under the (transaction, eventType, nft.identifier) uniqueness key are
// reported as duplicates rather than errors.
func (a *ActivityMongoRepository) BulkUpsert(pCtx context.Context, pEvents []persist.ActivityEvent) (persist.BulkUpsertResult, error) {

	events := make([]interface{}, len(pEvents))
	for i, event := range pEvents {
		events[i] = event
	}

	inserted, duplicates, err := a.events.bulkInsert(pCtx, events)
	if err != nil {
		return persist.BulkUpsertResult{}, err
	}

	return persist.BulkUpsertResult{Upserted: inserted, Duplicates: duplicates}, nil
}

func accountFilter(address persist.EthereumAddress) bson.M {
	addr := address.String()
	return bson.M{"$or": bson.A{
		bson.M{"fromAccount.address": addr},
		bson.M{"toAccount.address": addr},
	}}
}
