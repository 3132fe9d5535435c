package processor

import (
	"change-events/internal/batch"
	"change-events/internal/diff"
	"change-events/internal/models"
)

// Enricher annotates change records with their changed fields and groups the
// results into batches sized for the bus. It holds no state between calls.
type Enricher struct {
	meta      models.Metadata
	batchSize int
}

// NewEnricher creates an enricher stamping meta on every event
func NewEnricher(meta models.Metadata, batchSize int) *Enricher {
	return &Enricher{
		meta:      meta,
		batchSize: batchSize,
	}
}

// EnrichRecord builds the event for a single record
func (e *Enricher) EnrichRecord(record models.ChangeRecord) models.EnrichedEvent {
	record = record.Clone()
	return models.EnrichedEvent{
		Metadata: e.meta,
		Detail: models.Detail{
			ChangeRecord:  record,
			ChangedFields: diff.ChangedFields(record),
		},
	}
}

// Enrich builds one event per record, in order, and splits them into batches.
// Malformed records come through with an empty field list. The only error is
// batch.ErrInvalidArgument for a non-positive batch size.
func (e *Enricher) Enrich(records []models.ChangeRecord) ([]models.Batch, error) {
	events := make([]models.EnrichedEvent, 0, len(records))
	for _, record := range records {
		events = append(events, e.EnrichRecord(record))
	}

	chunks, err := batch.Chunk(events, e.batchSize)
	if err != nil {
		return nil, err
	}

	batches := make([]models.Batch, 0, len(chunks))
	for _, c := range chunks {
		batches = append(batches, models.Batch(c))
	}
	return batches, nil
}
