package interfaces

import (
	"context"
	"time"
)

// KeyValuePair is a single row in the generic key/value override store.
type KeyValuePair struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KeyValueStorage backs the {key-name} replacement mechanism in config loading
// and the operator overrides set through PUT /config/keys/{key}.
type KeyValueStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, description string) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
	List(ctx context.Context) ([]KeyValuePair, error)
	GetAll(ctx context.Context) (map[string]string, error)
}
