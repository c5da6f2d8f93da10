package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jdziat/jobengine/pkg/core"
)

// GetPartition looks up a partition by name.
func (s *GormStorage) GetPartition(ctx context.Context, name string) (*core.Partition, error) {
	var p core.Partition
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrPartitionNotFound
		}
		return nil, fmt.Errorf("jobengine/gorm: get partition: %w", err)
	}
	return &p, nil
}

// CreatePartition inserts a new partition and lets the database assign its id.
func (s *GormStorage) CreatePartition(ctx context.Context, name string) (*core.Partition, error) {
	p := &core.Partition{Name: name, CreateDate: s.clock()}
	err := s.withRetry(ctx, func(ctx context.Context) error {
		p.ID = 0
		return s.db.WithContext(ctx).Create(p).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, core.ErrPartitionExists
		}
		return nil, fmt.Errorf("jobengine/gorm: create partition: %w", err)
	}
	return p, nil
}

// ListPartitions returns every partition ordered by id.
func (s *GormStorage) ListPartitions(ctx context.Context) ([]*core.Partition, error) {
	var out []*core.Partition
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("jobengine/gorm: list partitions: %w", err)
	}
	return out, nil
}
