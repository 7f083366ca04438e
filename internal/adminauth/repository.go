package adminauth

import (
	"context"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type mongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository stores operators in a Mongo collection.
func NewMongoRepository(coll *mongo.Collection) Repository {
	return &mongoRepository{coll: coll}
}

func (r *mongoRepository) CreateOperator(ctx context.Context, op *Operator) error {
	op.Username = normalizeUsername(op.Username)
	_, err := r.coll.InsertOne(ctx, op)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrOperatorAlreadyExists
		}
		return err
	}
	return nil
}

func (r *mongoRepository) GetByUsername(ctx context.Context, username string) (*Operator, error) {
	var op Operator
	err := r.coll.FindOne(ctx, bson.M{"username": normalizeUsername(username)}).Decode(&op)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return &op, nil
}

func normalizeUsername(u string) string {
	return strings.TrimSpace(strings.ToLower(u))
}

// InMemoryRepository is a Repository backed by a map, used by tests
// and the demo binary when no Mongo instance is configured.
type InMemoryRepository struct {
	mu        sync.Mutex
	operators map[string]Operator
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{operators: make(map[string]Operator)}
}

func (r *InMemoryRepository) CreateOperator(_ context.Context, op *Operator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeUsername(op.Username)
	if _, ok := r.operators[key]; ok {
		return ErrOperatorAlreadyExists
	}
	r.operators[key] = *op
	return nil
}

func (r *InMemoryRepository) GetByUsername(_ context.Context, username string) (*Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.operators[normalizeUsername(username)]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return &op, nil
}
