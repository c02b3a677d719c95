package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"composedb/src/helpers"
	"composedb/src/models"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	dataFileExtension = ".bson"
	lockFileExtension = ".lock"
	lockRetryInterval = 10 * time.Millisecond
)

// FileStore keeps each collection of one database in its own data file,
// <dataDir>/<database>/<collection>.bson, as a sequence of BSON documents.
// Reads map the file into memory; writes rewrite it under an exclusive
// file lock so several processes can share a data directory.
type FileStore struct {
	DataDirectory string

	mu     sync.RWMutex
	closed bool
	logger *zap.SugaredLogger
}

var _ models.Accessor = (*FileStore)(nil)

func NewFileStore(dataDir, database string, logger *zap.SugaredLogger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	store := &FileStore{
		DataDirectory: filepath.Join(dataDir, database),
		logger:        logger,
	}

	if err := os.MkdirAll(store.DataDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", store.DataDirectory, err)
	}

	return store, nil
}

func (fs *FileStore) dataFile(name string) string {
	return filepath.Join(fs.DataDirectory, name+dataFileExtension)
}

func (fs *FileStore) lock(ctx context.Context, name string, exclusive bool) (*flock.Flock, error) {
	fileLock := flock.New(fs.dataFile(name) + lockFileExtension)
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fileLock.TryLockContext(ctx, lockRetryInterval)
	} else {
		locked, err = fileLock.TryRLockContext(ctx, lockRetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("error locking collection %s: %w", name, err)
	}
	if !locked {
		return nil, fmt.Errorf("could not lock collection %s", name)
	}
	return fileLock, nil
}

func (fs *FileStore) Find(ctx context.Context, query models.Query, name string, opts models.FindOptions, schema *models.Schema) (*models.Result, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, models.ErrDisconnected
	}

	fileLock, err := fs.lock(ctx, name, false)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	c, err := fs.load(name)
	if err != nil {
		return nil, err
	}
	return c.find(query, opts)
}

func (fs *FileStore) Insert(ctx context.Context, docs []models.Document, name string, schema *models.Schema) ([]models.Document, error) {
	var inserted []models.Document
	err := fs.modify(ctx, name, func(c *collection) (bool, error) {
		var err error
		inserted, err = c.insert(docs)
		return len(inserted) > 0, err
	})
	if err != nil {
		return nil, err
	}
	fs.logger.Infow("Added documents to collection file", "collection", name, "count", len(inserted))
	return inserted, nil
}

func (fs *FileStore) Update(ctx context.Context, query models.Query, update models.Document, name string, schema *models.Schema) (int64, error) {
	var count int64
	err := fs.modify(ctx, name, func(c *collection) (bool, error) {
		var err error
		count, err = c.update(query, update)
		return count > 0, err
	})
	return count, err
}

func (fs *FileStore) Delete(ctx context.Context, query models.Query, name string, schema *models.Schema) (int64, error) {
	var count int64
	err := fs.modify(ctx, name, func(c *collection) (bool, error) {
		var err error
		count, err = c.delete(query)
		return count > 0, err
	})
	return count, err
}

func (fs *FileStore) Close(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}

// modify loads a collection under the exclusive lock, applies change and
// writes the file back when change reports a modification.
func (fs *FileStore) modify(ctx context.Context, name string, change func(*collection) (bool, error)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return models.ErrDisconnected
	}

	fileLock, err := fs.lock(ctx, name, true)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	c, err := fs.load(name)
	if err != nil {
		return err
	}
	changed, err := change(c)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return fs.write(name, c.docs)
}

// load maps a collection file and decodes every document in it. A missing
// or empty file is an empty collection.
func (fs *FileStore) load(name string) (*collection, error) {
	filePath := fs.dataFile(name)
	if !helpers.FileExists(filePath, fs.logger) {
		return newCollection(nil), nil
	}

	dataFile, err := helpers.OpenDataFile(fs.DataDirectory, name+dataFileExtension)
	if err != nil {
		return nil, err
	}
	defer dataFile.Close()

	stat, err := dataFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("error reading file stats for %s: %w", name, err)
	}
	fileSize := int(stat.Size())
	if fileSize == 0 {
		return newCollection(nil), nil
	}

	data, err := unix.Mmap(int(dataFile.Fd()), 0, fileSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("error memory mapping %s: %w", name, err)
	}
	defer unix.Munmap(data)

	docs, err := decodeDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("error decoding collection %s: %w", name, err)
	}
	return newCollection(docs), nil
}

// write replaces a collection file. The new content goes to a temporary
// file first so readers never see a partial write.
func (fs *FileStore) write(name string, docs []models.Document) error {
	var encoded []byte
	for _, doc := range docs {
		raw, err := helpers.EncodeBSON(doc)
		if err != nil {
			return fmt.Errorf("error encoding document in %s: %w", name, err)
		}
		encoded = append(encoded, raw...)
	}

	filePath := fs.dataFile(name)
	tmpPath := filePath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error opening collection file for writing: %w", err)
	}

	fileLen, err := file.Write(encoded)
	if err != nil {
		file.Close()
		return fmt.Errorf("error writing to collection file %s: %w", name, err)
	}
	if fileLen != len(encoded) {
		file.Close()
		return fmt.Errorf("error writing to collection file %s: wrote %d bytes, expected %d", name, fileLen, len(encoded))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("error syncing collection file %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, filePath)
}

// decodeDocuments splits a buffer of concatenated BSON documents. Each
// document starts with its own little endian int32 length.
func decodeDocuments(data []byte) ([]models.Document, error) {
	var docs []models.Document
	offset := 0
	for offset < len(data) {
		if len(data[offset:]) < 4 {
			return nil, fmt.Errorf("insufficient data to read document size at offset %d", offset)
		}
		docSize := int(binary.LittleEndian.Uint32(data[offset:]))
		if docSize < 5 || offset+docSize > len(data) {
			return nil, fmt.Errorf("invalid document size %d at offset %d", docSize, offset)
		}
		doc, err := helpers.DecodeBSON(data[offset : offset+docSize])
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		offset += docSize
	}
	return docs, nil
}
