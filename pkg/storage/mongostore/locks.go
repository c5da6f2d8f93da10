package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/jdziat/jobengine/pkg/core"
)

// TryAcquireLock takes the named lock when nobody holds it or the previous
// holder's lease has expired.
func (s *Store) TryAcquireLock(ctx context.Context, name, holder, token string, lease time.Duration) (bool, error) {
	col := s.db.Collection(colLocks)
	var acquired bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		now := s.clock()
		expires := now.Add(lease)

		res, err := col.UpdateOne(ctx,
			bson.M{"_id": name, "expires_at": bson.M{"$lt": now}},
			bson.M{"$set": bson.M{
				"holder":      holder,
				"token":       token,
				"expires_at":  expires,
				"acquired_at": now,
			}})
		if err != nil {
			return err
		}
		if res.MatchedCount > 0 {
			acquired = true
			return nil
		}

		_, err = col.InsertOne(ctx, &core.DistributedLock{
			Name:       name,
			Holder:     holder,
			Token:      token,
			ExpiresAt:  expires,
			AcquiredAt: now,
		})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				acquired = false
				return nil
			}
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("jobengine/mongo: acquire lock %q: %w", name, err)
	}
	return acquired, nil
}

// RenewLock extends the lease while token still owns the lock.
func (s *Store) RenewLock(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	var renewed bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.Collection(colLocks).UpdateOne(ctx,
			bson.M{"_id": name, "token": token},
			bson.M{"$set": bson.M{"expires_at": s.clock().Add(lease)}})
		if err != nil {
			return err
		}
		renewed = res.MatchedCount > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("jobengine/mongo: renew lock %q: %w", name, err)
	}
	return renewed, nil
}

// ReleaseLock deletes the lock only when token still owns it.
func (s *Store) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	var released bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.Collection(colLocks).DeleteOne(ctx, bson.M{"_id": name, "token": token})
		if err != nil {
			return err
		}
		released = res.DeletedCount > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("jobengine/mongo: release lock %q: %w", name, err)
	}
	return released, nil
}
