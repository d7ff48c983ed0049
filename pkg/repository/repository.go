// Package repository provides a generic key-addressed CRUD store on top of gorm.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository is the persistence contract shared by the domain packages.
// WithTrx rebinds the store to a transaction handle so callers can demarcate
// a local transaction boundary and commit or abort it atomically with other
// effects.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T) ([]*T, error)
	FindOne(ctx context.Context, query *T) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID any, resource any) error
	// UpdateWhere applies updates to rows matching the condition and reports
	// how many rows were affected. A zero count means the guard did not hold.
	UpdateWhere(ctx context.Context, updates any, cond string, args ...any) (int64, error)
	Count(ctx context.Context, query *T) (int64, error)
}
