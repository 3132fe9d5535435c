package binlog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"change-events/internal/models"
)

// eventReader is the part of Reader a Source consumes
type eventReader interface {
	ReadEvent(ctx context.Context) (*replication.BinlogEvent, error)
	Position() mysql.Position
	SavePosition(pos mysql.Position) error
	Close()
}

// Source groups binlog rows into bursts, one per transaction
type Source struct {
	reader   eventReader
	columns  *ColumnResolver
	tables   map[uint64]*replication.TableMapEvent // Cache table map events
	pending  []models.ChangeRecord
	maxBurst int
	ackPos   *mysql.Position
	split    bool // part of the open transaction was already returned
	logger   *logrus.Logger
}

// NewSource creates a source over reader. Transactions larger than maxBurst
// records are split; those partial bursts are not committed, so a restart
// replays the whole transaction. The commit position travels with the last
// part, which is empty when the transaction filled its final burst exactly.
func NewSource(reader *Reader, columns *ColumnResolver, maxBurst int, logger *logrus.Logger) *Source {
	return newSource(reader, columns, maxBurst, logger)
}

func newSource(reader eventReader, columns *ColumnResolver, maxBurst int, logger *logrus.Logger) *Source {
	return &Source{
		reader:   reader,
		columns:  columns,
		tables:   make(map[uint64]*replication.TableMapEvent),
		maxBurst: maxBurst,
		logger:   logger,
	}
}

// Next blocks until a transaction commits or the pending records reach maxBurst
func (s *Source) Next(ctx context.Context) ([]models.ChangeRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		event, err := s.reader.ReadEvent(ctx)
		if err != nil {
			// Timeout is expected when waiting for events
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			return nil, err
		}

		switch e := event.Event.(type) {
		case *replication.TableMapEvent:
			s.tables[e.TableID] = e
			s.logger.Debugf("Cached table map for %s.%s (ID: %d)", e.Schema, e.Table, e.TableID)

		case *replication.RowsEvent:
			op, ok := operationFor(event.Header.EventType)
			if !ok {
				s.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
				continue
			}
			records, err := s.convert(ctx, op, e)
			if err != nil {
				s.logger.Errorf("Error processing %s event: %v", op, err)
				continue
			}
			s.pending = append(s.pending, records...)
			if s.maxBurst > 0 && len(s.pending) >= s.maxBurst {
				s.logger.Debugf("Flushing %d records before transaction end", len(s.pending))
				s.split = true
				return s.flush(nil), nil
			}

		case *replication.XIDEvent:
			split := s.split
			s.split = false
			if len(s.pending) > 0 || split {
				// An empty burst still commits a transaction delivered in parts
				pos := s.reader.Position()
				return s.flush(&pos), nil
			}

		case *replication.RotateEvent:
			s.logger.Infof("Binlog rotated to: %s", e.NextLogName)

		case *replication.QueryEvent:
			s.logger.Debugf("Query event: %s", e.Query)
			if isSchemaChange(string(e.Query)) {
				for _, tm := range s.tables {
					s.columns.Forget(string(tm.Schema), string(tm.Table))
				}
				s.tables = make(map[uint64]*replication.TableMapEvent)
			}

		default:
			s.logger.Debugf("Unhandled event type: %T", e)
		}
	}
}

// isSchemaChange reports whether a query event carries DDL that may change
// column layouts. BEGIN, COMMIT and other statements leave caches alone.
func isSchemaChange(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "ALTER", "CREATE", "DROP", "RENAME", "TRUNCATE":
		return true
	}
	return false
}

func (s *Source) convert(ctx context.Context, op models.Operation, e *replication.RowsEvent) ([]models.ChangeRecord, error) {
	tableMap, ok := s.tables[e.TableID]
	if !ok {
		if e.Table == nil {
			return nil, fmt.Errorf("table map not found for table ID %d", e.TableID)
		}
		tableMap = e.Table
	}

	cols, err := s.columns.Columns(ctx, tableMap)
	if err != nil {
		return nil, err
	}
	if len(cols.names) < int(tableMap.ColumnCount) {
		s.logger.Warnf("Column count mismatch for %s.%s: expected %d columns, got %d names",
			tableMap.Schema, tableMap.Table, tableMap.ColumnCount, len(cols.names))
	}

	table := fmt.Sprintf("%s.%s", tableMap.Schema, tableMap.Table)
	return recordsFromRows(op, table, cols, e.Rows), nil
}

func (s *Source) flush(commit *mysql.Position) []models.ChangeRecord {
	burst := s.pending
	s.pending = nil
	s.ackPos = commit
	return burst
}

// Ack saves the position of the transaction returned by the last Next
func (s *Source) Ack() error {
	if s.ackPos == nil {
		return nil
	}
	pos := *s.ackPos
	s.ackPos = nil
	return s.reader.SavePosition(pos)
}

// Close stops replication
func (s *Source) Close() error {
	s.reader.Close()
	return nil
}
