package binlog

import (
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/replication"

	"change-events/internal/models"
)

// operationFor maps a rows event type onto the change operation it carries
func operationFor(eventType replication.EventType) (models.Operation, bool) {
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.OpInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.OpModify, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.OpRemove, true
	}
	return "", false
}

// recordsFromRows converts the rows of one event into change records. For
// updates the rows alternate before, after, before, after...
func recordsFromRows(op models.Operation, table string, cols tableColumns, rows [][]interface{}) []models.ChangeRecord {
	records := make([]models.ChangeRecord, 0, len(rows))

	switch op {
	case models.OpModify:
		for i := 0; i+1 < len(rows); i += 2 {
			records = append(records, models.ChangeRecord{
				ID:        recordID(cols, rows[i+1]),
				Operation: op,
				Table:     table,
				Before:    imageFromRow(cols, rows[i]),
				After:     imageFromRow(cols, rows[i+1]),
			})
		}
	case models.OpInsert:
		for _, row := range rows {
			records = append(records, models.ChangeRecord{
				ID:        recordID(cols, row),
				Operation: op,
				Table:     table,
				After:     imageFromRow(cols, row),
			})
		}
	case models.OpRemove:
		for _, row := range rows {
			records = append(records, models.ChangeRecord{
				ID:        recordID(cols, row),
				Operation: op,
				Table:     table,
				Before:    imageFromRow(cols, row),
			})
		}
	}
	return records
}

// imageFromRow builds an image in column order. NULL columns are left out.
func imageFromRow(cols tableColumns, row []interface{}) models.Image {
	img := make(models.Image, 0, len(row))
	for j := 0; j < len(row) && j < len(cols.names); j++ {
		if row[j] == nil {
			continue
		}
		img = append(img, models.Field{Name: cols.names[j], Value: stringify(row[j])})
	}
	return img
}

// recordID joins the primary key columns with "#", falling back to an "id"
// column and then to the first column
func recordID(cols tableColumns, row []interface{}) string {
	value := func(j int) string {
		if j < 0 || j >= len(row) || row[j] == nil {
			return ""
		}
		return stringify(row[j])
	}

	if len(cols.primaryKey) > 0 {
		parts := make([]string, len(cols.primaryKey))
		for i, j := range cols.primaryKey {
			parts[i] = value(j)
		}
		return strings.Join(parts, "#")
	}
	for j, name := range cols.names {
		if strings.EqualFold(name, "id") {
			return value(j)
		}
	}
	return value(0)
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
