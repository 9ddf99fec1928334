package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/jobflow/pkg/api"
)

// MongoSink inserts one document per event.
type MongoSink struct {
	coll    *mongo.Collection
	timeout time.Duration
}

var _ api.AuditSink = (*MongoSink)(nil)

// NewMongoSink uses dbName (default "jobflow") and collName (default
// "job_audit").
func NewMongoSink(client *mongo.Client, dbName, collName string) *MongoSink {
	if dbName == "" {
		dbName = "jobflow"
	}
	if collName == "" {
		collName = "job_audit"
	}
	return &MongoSink{coll: client.Database(dbName).Collection(collName), timeout: 5 * time.Second}
}

type auditDoc struct {
	JobID       string    `bson:"job_id"`
	WorkspaceID string    `bson:"workspace_id"`
	At          time.Time `bson:"at"`
	Type        string    `bson:"type"`
	Kind        string    `bson:"kind"`
	ParentJob   string    `bson:"parent_job,omitempty"`
	Worker      string    `bson:"worker,omitempty"`
	Detail      string    `bson:"detail,omitempty"`
}

// EnsureIndexes creates the job_id index.
func (s *MongoSink) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "at", Value: 1}}})
	return err
}

func (s *MongoSink) Record(ctx context.Context, ev api.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.coll.InsertOne(ctx, auditDoc{
		JobID:       ev.JobID,
		WorkspaceID: ev.WorkspaceID,
		At:          ev.At.UTC(),
		Type:        string(ev.Type),
		Kind:        string(ev.Kind),
		ParentJob:   ev.ParentJob,
		Worker:      ev.Worker,
		Detail:      ev.Detail,
	})
	if err != nil {
		return fmt.Errorf("audit record %s: %w", ev.JobID, err)
	}
	return nil
}

// List returns the events of one job, oldest first.
func (s *MongoSink) List(ctx context.Context, jobID string) ([]api.AuditEvent, error) {
	cur, err := s.coll.Find(ctx, bson.M{"job_id": jobID}, options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []auditDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]api.AuditEvent, 0, len(docs))
	for _, d := range docs {
		out = append(out, api.AuditEvent{
			JobID:       d.JobID,
			WorkspaceID: d.WorkspaceID,
			At:          d.At.UTC(),
			Type:        api.EventType(d.Type),
			Kind:        api.JobKind(d.Kind),
			ParentJob:   d.ParentJob,
			Worker:      d.Worker,
			Detail:      d.Detail,
		})
	}
	return out, nil
}
