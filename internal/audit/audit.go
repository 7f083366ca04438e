// Package audit records an append-only history of tasks that have
// reached the Finished state, for after-the-fact debugging of chain
// behavior. It deliberately never stores anything about a task while
// it is Pending, InFlight, or AwaitingResendDecision: recording only
// terminal outcomes keeps this an audit trail rather than a
// persistence layer for pending dispatcher state, which the scheduling
// model is not designed to survive a restart of.
package audit

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Sink is the interface the dispatcher core depends on.
type Sink interface {
	RecordFinished(ctx context.Context, dispatcherName string, taskID int, label string, isError bool, errorCode int, errorMessage string)
}

// Record is the document shape stored per finished task.
type Record struct {
	DispatcherName string    `bson:"dispatcher_name"`
	TaskID         int       `bson:"task_id"`
	Label          string    `bson:"label"`
	IsError        bool      `bson:"is_error"`
	ErrorCode      int       `bson:"error_code,omitempty"`
	ErrorMessage   string    `bson:"error_message,omitempty"`
	FinishedAt     time.Time `bson:"finished_at"`
}

// MongoSink implements Sink against a mongo.Client, mirroring the
// common GetCollection/InsertOne helper style of a Mongo-backed
// service wrapper but scoped to exactly the one collection this
// package owns.
type MongoSink struct {
	coll *mongo.Collection
}

// NewMongoSink opens the audit collection in dbName on client.
func NewMongoSink(client *mongo.Client, dbName string) *MongoSink {
	return &MongoSink{coll: client.Database(dbName).Collection("finished_tasks")}
}

func (s *MongoSink) RecordFinished(ctx context.Context, dispatcherName string, taskID int, label string, isError bool, errorCode int, errorMessage string) {
	rec := Record{
		DispatcherName: dispatcherName,
		TaskID:         taskID,
		Label:          label,
		IsError:        isError,
		ErrorCode:      errorCode,
		ErrorMessage:   errorMessage,
		FinishedAt:     time.Now().UTC(),
	}
	insertCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	// Best-effort: a failed audit write must never affect dispatcher
	// behavior, so the error is swallowed after logging is unavailable
	// here (the dispatcher core logs the outcome separately).
	_, _ = s.coll.InsertOne(insertCtx, rec)
}

// Recent returns the most recently finished tasks for a dispatcher,
// newest first, used by the admin API's audit endpoint.
func (s *MongoSink) Recent(ctx context.Context, dispatcherName string, limit int64) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: -1}}).SetLimit(limit)
	cur, err := s.coll.Find(ctx, bson.M{"dispatcher_name": dispatcherName}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
