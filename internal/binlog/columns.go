package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-sql-driver/mysql"
	lru "github.com/hashicorp/golang-lru/v2"
)

const columnCacheSize = 1024

// tableColumns names the columns of a table in ordinal order
type tableColumns struct {
	names      []string
	primaryKey []int // column indexes
}

// OpenDB opens a metadata connection to the server being replicated
func OpenDB(host string, port int, user, password string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.Timeout = 10 * time.Second

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// ColumnResolver looks up column names for binlogs written without row
// metadata (MySQL 5.6/5.7, or binlog_row_metadata=MINIMAL)
type ColumnResolver struct {
	db    *sql.DB
	cache *lru.Cache[string, tableColumns] // by "database.table"
}

// NewColumnResolver creates a resolver querying db
func NewColumnResolver(db *sql.DB) (*ColumnResolver, error) {
	cache, err := lru.New[string, tableColumns](columnCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create column cache: %w", err)
	}
	return &ColumnResolver{db: db, cache: cache}, nil
}

// Columns returns the columns of the table described by tableMap, from the
// event itself when it carries names and from INFORMATION_SCHEMA otherwise
func (c *ColumnResolver) Columns(ctx context.Context, tableMap *replication.TableMapEvent) (tableColumns, error) {
	if len(tableMap.ColumnName) > 0 {
		cols := tableColumns{names: make([]string, len(tableMap.ColumnName))}
		for i, name := range tableMap.ColumnName {
			cols.names[i] = string(name)
		}
		for _, idx := range tableMap.PrimaryKey {
			cols.primaryKey = append(cols.primaryKey, int(idx))
		}
		return cols, nil
	}
	if c == nil || c.db == nil {
		return tableColumns{}, fmt.Errorf("no column names in binlog for %s.%s and no metadata connection", tableMap.Schema, tableMap.Table)
	}
	return c.lookup(ctx, string(tableMap.Schema), string(tableMap.Table))
}

func (c *ColumnResolver) lookup(ctx context.Context, database, table string) (tableColumns, error) {
	cacheKey := database + "." + table

	if cols, ok := c.cache.Get(cacheKey); ok {
		return cols, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`, database, table)
	if err != nil {
		return tableColumns{}, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	var cols tableColumns
	for rows.Next() {
		var name, key string
		if err := rows.Scan(&name, &key); err != nil {
			return tableColumns{}, fmt.Errorf("failed to scan column info: %w", err)
		}
		if key == "PRI" {
			cols.primaryKey = append(cols.primaryKey, len(cols.names))
		}
		cols.names = append(cols.names, name)
	}
	if err := rows.Err(); err != nil {
		return tableColumns{}, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(cols.names) == 0 {
		return tableColumns{}, fmt.Errorf("table %s not found in INFORMATION_SCHEMA", cacheKey)
	}

	c.cache.Add(cacheKey, cols)
	return cols, nil
}

// Forget drops the cached columns of a table, e.g. after a schema change
func (c *ColumnResolver) Forget(database, table string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Remove(database + "." + table)
}
