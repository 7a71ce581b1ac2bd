// Package mongo writes committed catalog records to MongoDB collections.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Sink upserts one document per record keyed by (session_id, record_index).
type Sink struct {
	client   *mongo.Client
	database string
	prefix   string
	logger   *zap.Logger
}

// Open connects to MongoDB and verifies the primary is reachable.
func Open(ctx context.Context, uri, database, prefix string, logger *zap.Logger) (*Sink, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error creating MongoDB client: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)
		return nil, fmt.Errorf("error connecting to MongoDB (ping failed): %w", err)
	}

	return &Sink{
		client:   client,
		database: database,
		prefix:   prefix,
		logger:   logger.Named("mongo-sink"),
	}, nil
}

var _ sink.Sink = (*Sink)(nil)

// document builds the stored document for a row.
func document(chunk sink.Chunk, row models.PreviewRow) bson.M {
	doc := bson.M{
		"session_id":   chunk.SessionID.String(),
		"record_index": row.RowIndex,
		"imported_at":  time.Now().UTC(),
	}
	for i := range chunk.Schema.Fields {
		f := &chunk.Schema.Fields[i]
		if v := sink.TypedValue(f, row.Values[f.Name]); v != nil {
			doc[f.Name] = v
		}
	}
	return doc
}

func writeModels(chunk sink.Chunk) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, len(chunk.Rows))
	for i, row := range chunk.Rows {
		filter := bson.M{"session_id": chunk.SessionID.String(), "record_index": row.RowIndex}
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$setOnInsert": document(chunk, row)}).
			SetUpsert(true)
	}
	return writes
}

func (s *Sink) WriteChunk(ctx context.Context, chunk sink.Chunk) ([]sink.RowError, error) {
	if len(chunk.Rows) == 0 {
		return nil, nil
	}
	coll := s.client.Database(s.database).Collection(sink.TableName(s.prefix, chunk.Schema.EntityType))
	writes := writeModels(chunk)

	if chunk.Atomic {
		// multi-document transactions need a replica set or sharded cluster
		session, err := s.client.StartSession()
		if err != nil {
			return nil, fmt.Errorf("failed to start mongo session: %w", err)
		}
		defer session.EndSession(ctx)

		_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
			return coll.BulkWrite(sc, writes, options.BulkWrite().SetOrdered(true))
		})
		if err != nil {
			return nil, s.rowOrChunkError(chunk, err)
		}
		return nil, nil
	}

	res, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err == nil {
		s.logger.Debug("Mongo bulk write",
			zap.Int("batch_index", chunk.BatchIndex),
			zap.Int64("upserted", res.UpsertedCount))
		return nil, nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || len(bulkErr.WriteErrors) == 0 {
		return nil, fmt.Errorf("mongo sink write: %w", err)
	}
	rowErrs := make([]sink.RowError, 0, len(bulkErr.WriteErrors))
	for _, we := range bulkErr.WriteErrors {
		if we.Index < 0 || we.Index >= len(chunk.Rows) {
			continue
		}
		rowErrs = append(rowErrs, sink.RowError{RowIndex: chunk.Rows[we.Index].RowIndex, Err: errors.New(we.Message)})
	}
	return rowErrs, nil
}

func (s *Sink) rowOrChunkError(chunk sink.Chunk, err error) error {
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) && len(bulkErr.WriteErrors) > 0 {
		we := bulkErr.WriteErrors[0]
		if we.Index >= 0 && we.Index < len(chunk.Rows) {
			return &sink.RowError{RowIndex: chunk.Rows[we.Index].RowIndex, Err: errors.New(we.Message)}
		}
	}
	return fmt.Errorf("mongo sink transaction: %w", err)
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Sink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
