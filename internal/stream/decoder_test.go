package stream

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"change-events/internal/models"
)

const sampleEvent = `{
  "Records": [
    {
      "eventID": "c4ca4238a0b923820dcc509a6f75849b",
      "eventName": "MODIFY",
      "eventSourceARN": "arn:aws:dynamodb:eu-west-1:123456789012:table/DynamoTable/stream/2022-01-01T00:00:00.000",
      "dynamodb": {
        "Keys": {"id": {"S": "1"}},
        "NewImage": {"id": {"S": "1"}, "value1": {"S": "a"}, "value2": {"S": "y"}, "count": {"N": "3"}},
        "OldImage": {"id": {"S": "1"}, "value1": {"S": "a"}, "value2": {"S": "x"}, "count": {"N": "3"}}
      }
    },
    {
      "eventID": "c81e728d9d4c2f636f067f89cc14862c",
      "eventName": "INSERT",
      "eventSourceARN": "arn:aws:dynamodb:eu-west-1:123456789012:table/DynamoTable/stream/2022-01-01T00:00:00.000",
      "dynamodb": {
        "Keys": {"id": {"S": "customer-42"}},
        "NewImage": {"name": {"S": "Ann"}, "id": {"S": "customer-42"}, "vip": {"BOOL": true}, "tags": {"SS": ["a"]}, "gone": {"NULL": true}}
      }
    },
    {
      "eventID": "eccbc87e4b5ce2fe28308fd9f2a7baf3",
      "eventName": "REMOVE",
      "dynamodb": {
        "Keys": {"pk": {"S": "order#7"}, "sk": {"S": "v1"}},
        "OldImage": {"pk": {"S": "order#7"}, "sk": {"S": "v1"}}
      }
    }
  ]
}`

func TestDecode(t *testing.T) {
	records, err := Decode([]byte(sampleEvent))
	require.NoError(t, err)
	require.Len(t, records, 3)

	modify := records[0]
	assert.Equal(t, "1", modify.ID)
	assert.Equal(t, models.OpModify, modify.Operation)
	assert.Equal(t, "DynamoTable", modify.Table)
	assert.Equal(t, []string{"id", "value1", "value2", "count"}, modify.After.Keys())
	v, _ := modify.Before.Get("value2")
	assert.Equal(t, "x", v)

	insert := records[1]
	assert.Equal(t, "customer-42", insert.ID)
	assert.Nil(t, insert.Before)
	assert.Equal(t, models.ImageOf("name", "Ann", "id", "customer-42", "vip", "true"), insert.After)

	remove := records[2]
	assert.Equal(t, "order#7", remove.ID)
	assert.Equal(t, "", remove.Table)
	assert.Equal(t, models.OpRemove, remove.Operation)
	assert.Nil(t, remove.After)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte(`{"Records": [{"dynamodb": {"NewImage": ["x"]}}]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeUnknownEventName(t *testing.T) {
	records, err := Decode([]byte(`{"Records": [{"eventName": "TTL", "dynamodb": {"Keys": {"id": {"S": "1"}}}}]}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Malformed())
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.json")
	second := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(first, []byte(sampleEvent), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`{"Records": []}`), 0o644))

	logger, _ := test.NewNullLogger()
	source := NewFileSource([]string{first, second}, logger)
	ctx := context.Background()

	records, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	require.NoError(t, source.Ack())

	records, err = source.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = source.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}
