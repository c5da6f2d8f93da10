package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/jobengine/pkg/core"
)

// TryAcquireLock takes the named lock when nobody holds it or the previous
// holder's lease has expired. It never blocks.
func (s *GormStorage) TryAcquireLock(ctx context.Context, name, holder, token string, lease time.Duration) (bool, error) {
	var acquired bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		now := s.clock()
		expires := now.Add(lease)

		// Take over an expired row.
		result := s.db.WithContext(ctx).
			Model(&core.DistributedLock{}).
			Where("name = ? AND expires_at < ?", name, now).
			Updates(map[string]any{
				"holder":      holder,
				"token":       token,
				"expires_at":  expires,
				"acquired_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			acquired = true
			return nil
		}

		// Otherwise insert; a unique conflict means somebody holds it.
		err := s.db.WithContext(ctx).Create(&core.DistributedLock{
			Name:       name,
			Holder:     holder,
			Token:      token,
			ExpiresAt:  expires,
			AcquiredAt: now,
		}).Error
		if err != nil {
			if isDuplicateKey(err) {
				acquired = false
				return nil
			}
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("jobengine/gorm: acquire lock %q: %w", name, err)
	}
	return acquired, nil
}

// RenewLock extends the lease while token still owns the lock.
func (s *GormStorage) RenewLock(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	var renewed bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		result := s.db.WithContext(ctx).
			Model(&core.DistributedLock{}).
			Where("name = ? AND token = ?", name, token).
			Update("expires_at", s.clock().Add(lease))
		renewed = result.RowsAffected > 0
		return result.Error
	})
	if err != nil {
		return false, fmt.Errorf("jobengine/gorm: renew lock %q: %w", name, err)
	}
	return renewed, nil
}

// ReleaseLock deletes the lock row only when token still owns it.
func (s *GormStorage) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	var released bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		result := s.db.WithContext(ctx).
			Where("name = ? AND token = ?", name, token).
			Delete(&core.DistributedLock{})
		released = result.RowsAffected > 0
		return result.Error
	})
	if err != nil {
		return false, fmt.Errorf("jobengine/gorm: release lock %q: %w", name, err)
	}
	return released, nil
}
