package binlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"change-events/internal/models"
)

// fakeReader replays a fixed list of events, advancing LogPos per event
type fakeReader struct {
	events []*replication.BinlogEvent
	next   int
	pos    mysql.Position
	saved  []mysql.Position
	closed bool
}

func (f *fakeReader) ReadEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	if f.next >= len(f.events) {
		return nil, io.EOF
	}
	e := f.events[f.next]
	f.next++
	if e == nil {
		return nil, fmt.Errorf("failed to get binlog event: %w", context.DeadlineExceeded)
	}
	f.pos.Pos = e.Header.LogPos
	return e, nil
}

func (f *fakeReader) Position() mysql.Position { return f.pos }

func (f *fakeReader) SavePosition(pos mysql.Position) error {
	f.saved = append(f.saved, pos)
	return nil
}

func (f *fakeReader) Close() { f.closed = true }

var customersMap = &replication.TableMapEvent{
	TableID:     7,
	Schema:      []byte("shop"),
	Table:       []byte("customers"),
	ColumnCount: 2,
	ColumnName:  [][]byte{[]byte("id"), []byte("name")},
	PrimaryKey:  []uint64{0},
}

func event(logPos uint32, eventType replication.EventType, e replication.Event) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: eventType, LogPos: logPos},
		Event:  e,
	}
}

func tableMap(logPos uint32) *replication.BinlogEvent {
	return event(logPos, replication.TABLE_MAP_EVENT, customersMap)
}

func insertRows(logPos uint32, rows ...[]interface{}) *replication.BinlogEvent {
	return event(logPos, replication.WRITE_ROWS_EVENTv2, &replication.RowsEvent{TableID: 7, Rows: rows})
}

func xid(logPos uint32) *replication.BinlogEvent {
	return event(logPos, replication.XID_EVENT, &replication.XIDEvent{XID: uint64(logPos)})
}

func query(logPos uint32, sql string) *replication.BinlogEvent {
	return event(logPos, replication.QUERY_EVENT, &replication.QueryEvent{Schema: []byte("shop"), Query: []byte(sql)})
}

func TestSourceBurstPerTransaction(t *testing.T) {
	reader := &fakeReader{
		pos: mysql.Position{Name: "mysql-bin.000001", Pos: 4},
		events: []*replication.BinlogEvent{
			tableMap(100),
			insertRows(200, []interface{}{int32(1), "Ann"}, []interface{}{int32(2), "Bob"}),
			nil, // idle timeout
			xid(300),
			tableMap(400),
			event(500, replication.UPDATE_ROWS_EVENTv2, &replication.RowsEvent{TableID: 7, Rows: [][]interface{}{
				{int32(1), "Ann"}, {int32(1), "Anna"},
			}}),
			xid(600),
		},
	}
	logger, _ := test.NewNullLogger()
	source := newSource(reader, nil, 1000, logger)
	ctx := context.Background()

	burst, err := source.Next(ctx)
	require.NoError(t, err)
	require.Len(t, burst, 2)
	assert.Equal(t, "shop.customers", burst[0].Table)
	assert.Equal(t, models.OpInsert, burst[0].Operation)
	assert.Empty(t, reader.saved, "nothing saved before ack")

	require.NoError(t, source.Ack())
	require.Equal(t, []mysql.Position{{Name: "mysql-bin.000001", Pos: 300}}, reader.saved)

	burst, err = source.Next(ctx)
	require.NoError(t, err)
	require.Len(t, burst, 1)
	assert.Equal(t, models.OpModify, burst[0].Operation)
	v, _ := burst[0].After.Get("name")
	assert.Equal(t, "Anna", v)

	require.NoError(t, source.Ack())
	assert.Equal(t, uint32(600), reader.saved[1].Pos)

	// Double ack is a no-op
	require.NoError(t, source.Ack())
	assert.Len(t, reader.saved, 2)

	_, err = source.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, source.Close())
	assert.True(t, reader.closed)
}

func TestSourceMaxBurstDoesNotCommit(t *testing.T) {
	reader := &fakeReader{
		pos: mysql.Position{Name: "mysql-bin.000001", Pos: 4},
		events: []*replication.BinlogEvent{
			tableMap(100),
			insertRows(200, []interface{}{int32(1), "a"}, []interface{}{int32(2), "b"}),
			insertRows(300, []interface{}{int32(3), "c"}),
			xid(400),
		},
	}
	logger, _ := test.NewNullLogger()
	source := newSource(reader, nil, 2, logger)
	ctx := context.Background()

	burst, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, burst, 2)
	require.NoError(t, source.Ack())
	assert.Empty(t, reader.saved, "mid-transaction burst must not move the position")

	burst, err = source.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, burst, 1)
	require.NoError(t, source.Ack())
	assert.Equal(t, []mysql.Position{{Name: "mysql-bin.000001", Pos: 400}}, reader.saved)
}

func TestSourceCommitsTransactionFilledByBurst(t *testing.T) {
	reader := &fakeReader{
		pos: mysql.Position{Name: "mysql-bin.000001", Pos: 4},
		events: []*replication.BinlogEvent{
			tableMap(100),
			insertRows(200, []interface{}{int32(1), "a"}, []interface{}{int32(2), "b"}),
			xid(300),
		},
	}
	logger, _ := test.NewNullLogger()
	source := newSource(reader, nil, 2, logger)
	ctx := context.Background()

	burst, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, burst, 2)
	require.NoError(t, source.Ack())
	assert.Empty(t, reader.saved)

	// The commit arrives with nothing left to deliver
	burst, err = source.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, burst)
	require.NoError(t, source.Ack())
	assert.Equal(t, []mysql.Position{{Name: "mysql-bin.000001", Pos: 300}}, reader.saved)

	_, err = source.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSourceEmptyTransactionNotCommitted(t *testing.T) {
	reader := &fakeReader{
		events: []*replication.BinlogEvent{
			query(100, "BEGIN"),
			xid(200),
		},
	}
	logger, _ := test.NewNullLogger()
	source := newSource(reader, nil, 2, logger)

	_, err := source.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, source.Ack())
	assert.Empty(t, reader.saved)
}

func TestSourceKeepsColumnsAcrossTransactions(t *testing.T) {
	resolver, err := NewColumnResolver(nil)
	require.NoError(t, err)
	resolver.cache.Add("shop.customers", customerColumns)

	reader := &fakeReader{
		events: []*replication.BinlogEvent{
			query(100, "BEGIN"),
			tableMap(200),
			insertRows(300, []interface{}{int32(1), "Ann"}),
			xid(400),
			query(500, "BEGIN"),
			insertRows(600, []interface{}{int32(2), "Bob"}),
			xid(700),
			query(800, "ALTER TABLE customers ADD COLUMN phone VARCHAR(32)"),
		},
	}
	logger, _ := test.NewNullLogger()
	source := newSource(reader, resolver, 10, logger)
	ctx := context.Background()

	burst, err := source.Next(ctx)
	require.NoError(t, err)
	require.Len(t, burst, 1)

	// Rows of the second transaction reuse the cached table map
	burst, err = source.Next(ctx)
	require.NoError(t, err)
	require.Len(t, burst, 1)
	assert.Equal(t, "2", burst[0].ID)
	assert.True(t, resolver.cache.Contains("shop.customers"))

	_, err = source.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, resolver.cache.Contains("shop.customers"))
	assert.Empty(t, source.tables)
}

func TestIsSchemaChange(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"BEGIN", false},
		{"COMMIT", false},
		{"", false},
		{"  alter table customers add column phone int", true},
		{"CREATE TABLE t (id INT)", true},
		{"DROP TABLE t", true},
		{"RENAME TABLE a TO b", true},
		{"TRUNCATE t", true},
		{"SAVEPOINT s1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isSchemaChange(tt.query), tt.query)
	}
}

func TestSourceSkipsUnknownTable(t *testing.T) {
	reader := &fakeReader{
		events: []*replication.BinlogEvent{
			insertRows(100, []interface{}{int32(1), "Ann"}),
			xid(200),
		},
	}
	logger, hook := test.NewNullLogger()
	source := newSource(reader, nil, 10, logger)

	_, err := source.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "table map not found")
}

func TestSourceCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	source := newSource(&fakeReader{}, nil, 10, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := source.Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLoadPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binlog.pos")

	pos, err := LoadPosition(path)
	require.NoError(t, err)
	assert.Equal(t, mysql.Position{}, pos)

	require.NoError(t, writePosition(path, mysql.Position{Name: "mysql-bin.000042", Pos: 1234}))
	pos, err = LoadPosition(path)
	require.NoError(t, err)
	assert.Equal(t, mysql.Position{Name: "mysql-bin.000042", Pos: 1234}, pos)

	require.NoError(t, os.WriteFile(path, []byte("mysql-bin.000007\n"), 0o644))
	pos, err = LoadPosition(path)
	require.NoError(t, err)
	assert.Equal(t, mysql.Position{Name: "mysql-bin.000007"}, pos)
}
