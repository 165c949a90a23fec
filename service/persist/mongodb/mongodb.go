package mongodb

import (
	"context"
	"errors"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/util"
)

const (
	marketDBName = "market"

	activityEventsCollName     = "activityEvents"
	collectionMetadataCollName = "collectionMetadataCache"
)

// collectionMetadataTTL backs the TTL index on collectionMetadataCache. Mongo's
// reaper runs on its own schedule, so reads apply the same window explicitly.
const collectionMetadataTTL = 24 * time.Hour

const duplicateKeyCode = 11000

var addressType = reflect.TypeOf(persist.EthereumAddress(""))

var idType = reflect.TypeOf(persist.GenerateID())

// CustomRegistry is the custom mongo BSON encoding/decoding registry
var CustomRegistry = createCustomRegistry().Build()

// ErrDocumentNotFound represents when a document is not found in the database for an update operation
var ErrDocumentNotFound = errors.New("document not found")

// NewMongoClient connects a new mongo client using the MONGO_URL config,
// panicking if the database cannot be reached
func NewMongoClient() *mongo.Client {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()

	wc := writeconcern.W1()
	wc.Journal = util.BoolToPointer(true)

	mOpts := options.Client().ApplyURI(env.GetString("MONGO_URL"))
	mOpts.SetRegistry(CustomRegistry)
	mOpts.SetWriteConcern(wc)
	mOpts.SetRetryWrites(true)
	mOpts.SetRetryReads(true)

	client, err := mongo.Connect(ctx, mOpts)
	if err != nil {
		panic(err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		panic(err)
	}

	return client
}

// storage represents the currently accessed collection and the version of the "schema"
type storage struct {
	version    int64
	collection *mongo.Collection
}

// newStorage returns a new storage instance with a pointer to a collection of the specified name
// and the specified version
func newStorage(mongoClient *mongo.Client, version int64, dbName, collName string) *storage {
	coll := mongoClient.Database(dbName).Collection(collName)

	return &storage{version: version, collection: coll}
}

// upsert updates the document matching the query, creating it when absent. The
// storage fills out the fields _id, createdAt, and updatedAt.
func (m *storage) upsert(ctx context.Context, query bson.M, upsert interface{}, opts ...*options.UpdateOptions) (persist.DBID, error) {

	var returnID persist.DBID
	opts = append(opts, options.Update().SetUpsert(true))
	now := primitive.NewDateTimeFromTime(time.Now())

	asMap, err := mapWithRegistry(upsert)
	if err != nil {
		return returnID, err
	}
	asMap["updatedAt"] = now
	if _, ok := asMap["createdAt"]; !ok {
		asMap["createdAt"] = now
	}

	if id, ok := asMap["_id"]; ok && id != "" {
		returnID = persist.DBID(id.(string))
	}

	delete(asMap, "_id")
	for k := range query {
		delete(asMap, k)
	}

	res, err := m.collection.UpdateOne(ctx, query, bson.M{"$setOnInsert": bson.M{"_id": persist.GenerateID()}, "$set": asMap}, opts...)
	if err != nil {
		return "", err
	}

	if it, ok := res.UpsertedID.(string); ok {
		returnID = persist.DBID(it)
	}

	return returnID, nil
}

// bulkInsert inserts many documents in unordered batches of 100, filling out
// the fields _id and createdAt for each. Documents rejected by a unique index
// are counted rather than failed; any other write error aborts.
func (m *storage) bulkInsert(ctx context.Context, inserts []interface{}) (inserted int64, duplicates int64, err error) {
	if len(inserts) == 0 {
		return 0, 0, nil
	}

	type batchResult struct {
		inserted   int64
		duplicates int64
		err        error
	}

	batches := util.ChunkBy(inserts, 100)
	results := make(chan batchResult, len(batches))

	for _, batch := range batches {
		go func(docs []interface{}) {
			models := make([]mongo.WriteModel, len(docs))
			for i, doc := range docs {
				asMap, err := mapWithRegistry(doc)
				if err != nil {
					results <- batchResult{err: err}
					return
				}
				if id, ok := asMap["_id"]; !ok || id == "" {
					asMap["_id"] = persist.GenerateID()
				}
				if _, ok := asMap["createdAt"]; !ok {
					asMap["createdAt"] = primitive.NewDateTimeFromTime(time.Now())
				}
				models[i] = &mongo.InsertOneModel{Document: asMap}
			}

			res, err := m.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))

			result := batchResult{}
			if res != nil {
				result.inserted = res.InsertedCount
			}
			result.duplicates, result.err = duplicatesInError(err)
			results <- result
		}(batch)
	}

	for range batches {
		res := <-results
		if res.err != nil {
			return inserted, duplicates, res.err
		}
		inserted += res.inserted
		duplicates += res.duplicates
	}

	return inserted, duplicates, nil
}

// duplicatesInError counts unique-index rejections in an unordered bulk write
// error. Any other failure is returned unchanged.
func duplicatesInError(err error) (int64, error) {
	if err == nil {
		return 0, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return 0, err
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return 0, err
	}

	var duplicates int64
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return 0, err
		}
		duplicates++
	}
	return duplicates, nil
}

// find finds documents in the mongo database
// result must be a slice of pointers to the struct of the type expected to be decoded from mongo
func (m *storage) find(ctx context.Context, filter bson.M, result interface{}, opts ...*options.FindOptions) error {

	cur, err := m.collection.Find(ctx, filter, opts...)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	return cur.All(ctx, result)
}

// count counts the number of documents matching the filter
func (m *storage) count(ctx context.Context, filter bson.M, opts ...*options.CountOptions) (int64, error) {
	if len(filter) == 0 {
		return m.collection.EstimatedDocumentCount(ctx)
	}
	return m.collection.CountDocuments(ctx, filter, opts...)
}

// createIndex creates a new index in the mongo database
func (m *storage) createIndex(ctx context.Context, index mongo.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return m.collection.Indexes().CreateOne(ctx, index, opts...)
}

// mapWithRegistry round trips a document through the custom registry so that
// typed fields (addresses, IDs) land in their stored form.
func mapWithRegistry(doc interface{}) (bson.M, error) {
	asBSON, err := bson.MarshalWithRegistry(CustomRegistry, doc)
	if err != nil {
		return nil, err
	}

	asMap := bson.M{}
	err = bson.UnmarshalWithRegistry(CustomRegistry, asBSON, &asMap)
	if err != nil {
		return nil, err
	}
	return asMap, nil
}

func addressEncodeValue(ec bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != addressType {
		return bsoncodec.ValueEncoderError{Name: "AddressEncodeValue", Types: []reflect.Type{addressType}, Received: val}
	}
	s := val.Interface().(persist.EthereumAddress).String()
	return vw.WriteString(s)
}

func idEncodeValue(ec bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != idType {
		return bsoncodec.ValueEncoderError{Name: "IDEncodeValue", Types: []reflect.Type{idType}, Received: val}
	}
	s := val.Interface().(persist.DBID)

	if s == "" {
		s = persist.GenerateID()
	}
	return vw.WriteString(string(s))
}

func createCustomRegistry() *bsoncodec.RegistryBuilder {
	var primitiveCodecs bson.PrimitiveCodecs
	rb := bsoncodec.NewRegistryBuilder()
	bsoncodec.DefaultValueEncoders{}.RegisterDefaultEncoders(rb)
	bsoncodec.DefaultValueDecoders{}.RegisterDefaultDecoders(rb)
	rb.RegisterTypeEncoder(addressType, bsoncodec.ValueEncoderFunc(addressEncodeValue))
	rb.RegisterTypeEncoder(idType, bsoncodec.ValueEncoderFunc(idEncodeValue))
	primitiveCodecs.RegisterPrimitiveCodecs(rb)
	return rb
}
