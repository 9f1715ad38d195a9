package evidence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore keeps evidence in a collection. Integer ids come from a
// counters document so records keep the same shape as the SQL table.
type MongoStore struct {
	client   *mongo.Client
	records  *mongo.Collection
	counters *mongo.Collection
}

type mongoRecord struct {
	ID        int64  `bson:"_id"`
	Timestamp string `bson:"timestamp"`
	Image     []byte `bson:"image"`
}

// OpenMongo connects to uri and uses the given database.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	db := client.Database(database)
	return &MongoStore{
		client:   client,
		records:  db.Collection(Table),
		counters: db.Collection("counters"),
	}, nil
}

func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": Table},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate evidence id: %w", err)
	}
	return counter.Seq, nil
}

// Append implements Store.
func (s *MongoStore) Append(ctx context.Context, timestamp string, jpeg []byte) (int64, error) {
	id, err := s.nextID(ctx)
	if err != nil {
		return 0, err
	}

	doc := mongoRecord{ID: id, Timestamp: timestamp, Image: jpeg}
	if _, err := s.records.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert evidence: %w", err)
	}
	return id, nil
}

// All implements Store.
func (s *MongoStore) All(ctx context.Context) ([]Record, error) {
	cur, err := s.records.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer cur.Close(ctx)

	records := []Record{}
	for cur.Next(ctx) {
		var doc mongoRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		records = append(records, Record{ID: doc.ID, Timestamp: doc.Timestamp, Image: doc.Image})
	}
	return records, cur.Err()
}

// Close implements Store.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
