package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
	"github.com/aninori/cms-healthcare-analytics/internal/sink"
	"github.com/aninori/cms-healthcare-analytics/internal/transform"
)

// PartitionMetadata is the schema record emitted alongside each published
// partition. The catalog collaborator consumes it to register the table;
// this package only produces it.
type PartitionMetadata struct {
	Dataset     string          `json:"dataset"`
	ObjectKey   string          `json:"object_key"`
	Columns     []schema.Column `json:"columns"`
	NaturalKey  []string        `json:"natural_key,omitempty"`
	Narrowed    []string        `json:"narrowed_columns,omitempty"`
	RowCount    int64           `json:"row_count"`
	Watermark   string          `json:"watermark,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// Emitter writes partition metadata next to the published object.
type Emitter struct {
	store  sink.ObjectStore
	logger *zap.Logger
}

// NewEmitter creates a metadata emitter
func NewEmitter(store sink.ObjectStore, logger *zap.Logger) *Emitter {
	return &Emitter{store: store, logger: logger}
}

// Emit publishes the metadata document for one partition at
// <objectKey>.metadata.json.
func (e *Emitter) Emit(ctx context.Context, partition *transform.Partition, objectKey, mark string) error {
	meta := PartitionMetadata{
		Dataset:     partition.Dataset,
		ObjectKey:   objectKey,
		Columns:     partition.Schema.Columns,
		NaturalKey:  partition.Schema.NaturalKey,
		RowCount:    int64(len(partition.Rows)),
		Watermark:   mark,
		PublishedAt: time.Now().UTC(),
	}
	for col := range partition.Narrowed {
		meta.Narrowed = append(meta.Narrowed, col)
	}

	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal partition metadata: %w", err)
	}

	metaKey := objectKey + ".metadata.json"
	if err := e.store.Put(ctx, metaKey, bytes.NewReader(payload), int64(len(payload))); err != nil {
		return fmt.Errorf("failed to publish partition metadata: %w", err)
	}

	e.logger.Debug("Partition metadata emitted", zap.String("key", metaKey))
	return nil
}
