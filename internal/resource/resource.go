// Package resource provides the generic store of named, namespaced, typed
// JSON documents (teams, bots, models, users) the orchestration core reads
// its configuration from.
package resource

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies a resource document type.
type Kind string

const (
	KindTeam  Kind = "Team"
	KindBot   Kind = "Bot"
	KindModel Kind = "Model"
	KindUser  Kind = "User"
)

// Resource is one named, namespaced, typed JSON document. Spec and Status
// are decoded into typed structs at the boundary, never string-walked deep
// in business logic.
type Resource struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Name      string          `json:"name"`
	Namespace string          `json:"namespace"`
	Spec      json.RawMessage `json:"spec,omitempty"`
	Status    json.RawMessage `json:"status,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// Query filters resource listings. Zero values are ignored.
type Query struct {
	Kind      Kind
	Namespace string
	Name      string
	Limit     int
}

// Store is the generic resource store. Soft-deleted documents are invisible
// to reads.
type Store interface {
	GetByID(ctx context.Context, kind Kind, id string) (*Resource, error)
	GetByName(ctx context.Context, kind Kind, name, namespace string) (*Resource, error)
	List(ctx context.Context, query Query) ([]*Resource, error)
	Upsert(ctx context.Context, res *Resource) (*Resource, error)
	SoftDelete(ctx context.Context, id string) error
}
