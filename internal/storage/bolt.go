package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const dbFileName = "mediahub.db"

// BoltDB wraps the bbolt handle and owns bucket setup
type BoltDB struct {
	db     *bbolt.DB
	path   string
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database inside dataDir
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	b := &BoltDB{db: db, path: path, logger: logger}
	if err := b.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BoltDB) init() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{MediaRowsBucket, PageKeysBucket, ConnectionHintsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if v := meta.Get([]byte(SchemaVersionKey)); v != nil {
			version, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("corrupt schema version %q: %w", v, err)
			}
			if version > CurrentSchemaVersion {
				return fmt.Errorf("database schema %d is newer than supported %d", version, CurrentSchemaVersion)
			}
		}
		if err := meta.Put([]byte(SchemaVersionKey), []byte(strconv.Itoa(CurrentSchemaVersion))); err != nil {
			return err
		}

		if meta.Get([]byte(ClientIdentifierKey)) == nil {
			id := uuid.NewString()
			if err := meta.Put([]byte(ClientIdentifierKey), []byte(id)); err != nil {
				return err
			}
			b.logger.Infow("Generated client identifier", "client_id", id)
		}
		return nil
	})
}

// Path returns the database file path
func (b *BoltDB) Path() string {
	return b.path
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}
