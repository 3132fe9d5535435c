package binlog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// ReaderConfig configures the replication connection
type ReaderConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	ServerID      uint32
	Flavor        string // mysql, mariadb
	PositionFile  string
	StartPosition uint32
}

// Reader handles reading binlog events from MySQL
type Reader struct {
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	position     mysql.Position
	positionFile string
	logger       *logrus.Logger
}

// NewReader starts replicating from the saved position, or from
// cfg.StartPosition when no position has been saved yet
func NewReader(cfg ReaderConfig, logger *logrus.Logger) (*Reader, error) {
	flavor := cfg.Flavor
	if flavor == "" {
		flavor = mysql.MySQLFlavor
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: cfg.ServerID,
		Flavor:   flavor,
		Host:     cfg.Host,
		Port:     uint16(cfg.Port),
		User:     cfg.User,
		Password: cfg.Password,
	})

	position, err := LoadPosition(cfg.PositionFile)
	if err != nil {
		syncer.Close()
		return nil, err
	}
	if position.Name == "" {
		position.Pos = cfg.StartPosition
	} else {
		logger.Infof("Loaded binlog position from file: %s", position)
	}

	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	logger.Infof("Started binlog sync from position: %s", position)

	return &Reader{
		syncer:       syncer,
		streamer:     streamer,
		position:     position,
		positionFile: cfg.PositionFile,
		logger:       logger,
	}, nil
}

// LoadPosition reads a "file:position" pair. A missing or empty file yields
// the zero position. A bare file name is accepted for older position files.
func LoadPosition(path string) (mysql.Position, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return mysql.Position{}, nil
	}
	if err != nil {
		return mysql.Position{}, fmt.Errorf("failed to read position file: %w", err)
	}

	posStr := strings.TrimSpace(string(data))
	if posStr == "" {
		return mysql.Position{}, nil
	}

	// Last colon, file names may contain colons
	if i := strings.LastIndex(posStr, ":"); i > 0 && i < len(posStr)-1 {
		if pos, err := strconv.ParseUint(posStr[i+1:], 10, 32); err == nil {
			return mysql.Position{Name: posStr[:i], Pos: uint32(pos)}, nil
		}
	}
	return mysql.Position{Name: posStr}, nil
}

// SavePosition writes pos to the position file
func (r *Reader) SavePosition(pos mysql.Position) error {
	if pos.Name == "" {
		return nil
	}
	return writePosition(r.positionFile, pos)
}

func writePosition(path string, pos mysql.Position) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%s:%d", pos.Name, pos.Pos)), 0o644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// Position returns the position just past the last event read
func (r *Reader) Position() mysql.Position {
	return r.position
}

// ReadEvent reads the next binlog event, waiting at most ten seconds. An idle
// stream surfaces as context.DeadlineExceeded.
func (r *Reader) ReadEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	event, err := r.streamer.GetEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get binlog event: %w", err)
	}

	if e, ok := event.Event.(*replication.RotateEvent); ok {
		r.position = mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
	} else if event.Header.LogPos > 0 {
		r.position.Pos = event.Header.LogPos
	}

	return event, nil
}

// Close closes the binlog reader
func (r *Reader) Close() {
	if r.syncer != nil {
		r.syncer.Close()
	}
}
