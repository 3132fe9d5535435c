package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var requiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// Checker validates that a MySQL server can be replicated from
type Checker struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewChecker creates a checker using db
func NewChecker(db *sql.DB, logger *logrus.Logger) *Checker {
	return &Checker{db: db, logger: logger}
}

// Check verifies the connection, the replication grants and the binlog
// settings needed to rebuild full before and after images
func (c *Checker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	c.logger.Info("Successfully connected to MySQL server")

	grants, err := c.grants(ctx)
	if err != nil {
		return err
	}
	if missing := missingPrivileges(grants); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s",
			strings.Join(missing, ", "), strings.Join(grants, "; "))
	}
	c.logger.Info("All required permissions verified")

	logBin := c.variable(ctx, "log_bin")
	binlogFormat := c.variable(ctx, "binlog_format")
	rowImage := c.variable(ctx, "binlog_row_image")

	warnings, err := checkReplicationSettings(logBin, binlogFormat, rowImage)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		c.logger.Warn(w)
	}
	c.logger.Infof("Binlog settings verified (log_bin=%s, binlog_format=%s, binlog_row_image=%s)", logBin, binlogFormat, rowImage)
	return nil
}

func (c *Checker) grants(ctx context.Context) ([]string, error) {
	// SHOW GRANTS can return multiple rows
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6
		rows, err = c.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return nil, fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}
	return grants, nil
}

// variable returns a server variable, or "" when it cannot be read
func (c *Checker) variable(ctx context.Context, name string) string {
	var key, value string
	err := c.db.QueryRowContext(ctx, "SHOW VARIABLES LIKE ?", name).Scan(&key, &value)
	if err == nil {
		return value
	}
	if err := c.db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		c.logger.Warnf("Could not read %s: %v", name, err)
		return ""
	}
	return value
}

func missingPrivileges(grants []string) []string {
	all := strings.ToUpper(strings.Join(grants, "; "))
	if strings.Contains(all, "ALL PRIVILEGES ON *.*") {
		return nil
	}
	var missing []string
	for _, priv := range requiredPrivileges {
		if !strings.Contains(all, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

// checkReplicationSettings fails when rows cannot be replicated with full
// images. Empty values are unknown and only warned about.
func checkReplicationSettings(logBin, binlogFormat, rowImage string) ([]string, error) {
	var warnings []string

	switch strings.ToUpper(logBin) {
	case "ON", "1":
	case "":
		warnings = append(warnings, "Could not verify binlog status")
	default:
		return nil, fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
	}

	switch strings.ToUpper(binlogFormat) {
	case "ROW":
	case "":
		warnings = append(warnings, "Could not verify binlog_format")
	default:
		return nil, fmt.Errorf("binlog_format is set to '%s', ROW is required", binlogFormat)
	}

	switch strings.ToUpper(rowImage) {
	case "FULL":
	case "":
		warnings = append(warnings, "Could not verify binlog_row_image")
	default:
		return nil, fmt.Errorf("binlog_row_image is set to '%s', FULL is required for before and after images", rowImage)
	}

	return warnings, nil
}
