// Package stream decodes change notifications in the DynamoDB Streams event
// format into change records.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"change-events/internal/models"
)

// Event is a stream delivery: the burst of records a single invocation receives
type Event struct {
	Records []Record `json:"Records"`
}

// Record is one stream notification
type Record struct {
	EventID        string      `json:"eventID"`
	EventName      string      `json:"eventName"`
	EventSourceARN string      `json:"eventSourceARN"`
	Change         StreamImage `json:"dynamodb"`
}

// StreamImage holds the key and images of a record, kept raw so attribute
// order can be read from the JSON itself
type StreamImage struct {
	Keys     json.RawMessage `json:"Keys"`
	NewImage json.RawMessage `json:"NewImage"`
	OldImage json.RawMessage `json:"OldImage"`
}

// attributeValue carries the scalar attribute types. Nested types (M, L and
// the sets) are ignored.
type attributeValue struct {
	S    *string `json:"S"`
	N    *string `json:"N"`
	BOOL *bool   `json:"BOOL"`
}

// Decode parses a stream event and converts every record
func Decode(data []byte) ([]models.ChangeRecord, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to parse stream event: %w", err)
	}

	records := make([]models.ChangeRecord, 0, len(event.Records))
	for i, r := range event.Records {
		record, err := r.ChangeRecord()
		if err != nil {
			return nil, fmt.Errorf("stream record %d (%s): %w", i, r.EventID, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// ChangeRecord converts the notification. The operation is passed through as
// is so unknown event names surface as malformed records downstream.
func (r Record) ChangeRecord() (models.ChangeRecord, error) {
	keys, err := decodeAttributes(r.Change.Keys)
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("keys: %w", err)
	}
	after, err := decodeAttributes(r.Change.NewImage)
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("new image: %w", err)
	}
	before, err := decodeAttributes(r.Change.OldImage)
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("old image: %w", err)
	}

	return models.ChangeRecord{
		ID:        recordID(keys),
		Operation: models.Operation(r.EventName),
		Table:     tableFromARN(r.EventSourceARN),
		Before:    before,
		After:     after,
	}, nil
}

// decodeAttributes reads an attribute map in document order
func decodeAttributes(raw json.RawMessage) (models.Image, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil {
		return nil, err
	} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("attribute map must be an object")
	}

	img := models.NewImageBuilder(0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var av attributeValue
		if err := dec.Decode(&av); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		switch {
		case av.S != nil:
			img.Set(name, *av.S)
		case av.N != nil:
			img.Set(name, *av.N)
		case av.BOOL != nil:
			img.Set(name, strconv.FormatBool(*av.BOOL))
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return img.Image(), nil
}

// recordID prefers an "id" key attribute and falls back to the first key
func recordID(keys models.Image) string {
	if id, ok := keys.Get("id"); ok {
		return id
	}
	if len(keys) > 0 {
		return keys[0].Value
	}
	return ""
}

// tableFromARN extracts Name from arn:aws:dynamodb:region:account:table/Name/stream/...
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}
