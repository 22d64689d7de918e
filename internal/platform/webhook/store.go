package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"
)

var ErrNotFound = errors.New("webhook endpoint not found")

const (
	endpointTable = "endpoint"
	deliveryTable = "delivery"
)

var storeSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		endpointTable: {
			Name: endpointTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		deliveryTable: {
			Name: deliveryTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"endpoint": {
					Name:         "endpoint",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "EndpointID"},
				},
			},
		},
	},
}

// Store keeps endpoints and their delivery log in memory. Stored objects
// are copies; callers never share pointers with the index.
type Store struct {
	db *memdb.MemDB
}

func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(storeSchema)
	if err != nil {
		return nil, fmt.Errorf("create webhook memdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(endpointTable, "id", ep.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("webhook endpoint %s already exists", ep.ID)
	}
	cp := ep.clone()
	if err := txn.Insert(endpointTable, cp); err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	txn := s.db.Txn(false)
	obj, err := txn.First(endpointTable, "id", id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, ErrNotFound
	}
	return obj.(*Endpoint).clone(), nil
}

// ListEndpoints returns every endpoint, oldest first.
func (s *Store) ListEndpoints(_ context.Context) ([]*Endpoint, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(endpointTable, "id")
	if err != nil {
		return nil, err
	}
	out := []*Endpoint{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*Endpoint).clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(endpointTable, "id", ep.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := txn.Insert(endpointTable, ep.clone()); err != nil {
		return fmt.Errorf("update webhook endpoint: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteEndpoint removes the endpoint and its delivery log.
func (s *Store) DeleteEndpoint(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(endpointTable, "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := txn.Delete(endpointTable, existing); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(deliveryTable, "endpoint", id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) RecordDelivery(_ context.Context, d *Delivery) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	cp := *d
	if err := txn.Insert(deliveryTable, &cp); err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	txn.Commit()
	return nil
}

// ListDeliveries returns up to limit attempts for the endpoint, newest
// first. A non-positive limit returns all of them.
func (s *Store) ListDeliveries(_ context.Context, endpointID string, limit int) ([]Delivery, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(deliveryTable, "endpoint", endpointID)
	if err != nil {
		return nil, err
	}
	out := []Delivery{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Delivery))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
