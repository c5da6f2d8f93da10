package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jdziat/jobengine/pkg/core"
)

const partitionSequence = "partitions"

// GetPartition looks up a partition by name.
func (s *Store) GetPartition(ctx context.Context, name string) (*core.Partition, error) {
	var p core.Partition
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.Collection(colPartitions).FindOne(ctx, bson.M{"_id": name}).Decode(&p)
	})
	if err != nil {
		if isNoDocuments(err) {
			return nil, core.ErrPartitionNotFound
		}
		return nil, fmt.Errorf("jobengine/mongo: get partition: %w", err)
	}
	return &p, nil
}

// CreatePartition allocates the next id from the counters collection and
// inserts the partition. An id lost to a name conflict is never reused.
func (s *Store) CreatePartition(ctx context.Context, name string) (*core.Partition, error) {
	p := &core.Partition{Name: name, CreateDate: s.clock()}
	err := s.withRetry(ctx, func(ctx context.Context) error {
		id, err := s.nextSequence(ctx, partitionSequence)
		if err != nil {
			return err
		}
		p.ID = int(id)
		_, err = s.db.Collection(colPartitions).InsertOne(ctx, p)
		return err
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, core.ErrPartitionExists
		}
		return nil, fmt.Errorf("jobengine/mongo: create partition: %w", err)
	}
	return p, nil
}

// ListPartitions returns every partition ordered by id.
func (s *Store) ListPartitions(ctx context.Context) ([]*core.Partition, error) {
	var out []*core.Partition
	err := s.withRetry(ctx, func(ctx context.Context) error {
		cursor, err := s.db.Collection(colPartitions).Find(ctx, bson.M{},
			options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
		if err != nil {
			return err
		}
		out = nil
		return cursor.All(ctx, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("jobengine/mongo: list partitions: %w", err)
	}
	return out, nil
}

func (s *Store) nextSequence(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}
