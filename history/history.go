// Package history keeps the durable record of every training round this node
// initiated, together with the consensus log captured while the round ran.
package history

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/fedmesh/cotrain/types"
)

// Round statuses as stored in history records.
const (
	StatusInitialized = "INITIALIZED"
	StatusRunning     = "RUNNING"
	StatusCompleted   = "COMPLETED"
	StatusFailed      = "FAILED"
)

var ErrNotFound = errors.New("history: record not found")

// Record is one training round as the client remembers it.
type Record struct {
	ID                 string
	ProjectName        string
	DatasetManifestRef string
	ModelRef           string
	ChunkCount         uint32
	CreatedAt          string
	Status             string
	ResultRef          string
}

// Database stores records and per-round logs in a single leveldb instance.
// Record keys and log keys share the keyspace under distinct prefixes.
type Database struct {
	db *leveldb.DB

	// Serializes read-modify-write sequences (Update, AppendLog).
	mu sync.Mutex
}

var writeSync = &opt.WriteOptions{Sync: true}

func recordKey(id string) []byte { return []byte("record-" + id) }
func logsKey(id string) []byte   { return []byte("logs-" + id) }

func NewDatabase(dbdir string) (*Database, error) {
	db, err := leveldb.OpenFile(dbdir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening history DB: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Add stores a new record. An existing record with the same ID is overwritten.
func (d *Database) Add(record Record) error {
	data, err := serialize(&record)
	if err != nil {
		return err
	}
	return d.db.Put(recordKey(record.ID), data, writeSync)
}

// Get returns all records, in key order.
func (d *Database) Get() ([]Record, error) {
	iter := d.db.NewIterator(util.BytesPrefix([]byte("record-")), nil)
	defer iter.Release()

	var records []Record
	for iter.Next() {
		var record Record
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &record); err != nil {
			return nil, fmt.Errorf("deserializing record %s: %w", iter.Key(), err)
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// GetRecord returns a single record by round ID.
func (d *Database) GetRecord(id string) (Record, error) {
	data, err := d.db.Get(recordKey(id), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("reading record %s: %w", id, err)
	}

	var record Record
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &record); err != nil {
		return Record{}, fmt.Errorf("deserializing record %s: %w", id, err)
	}
	return record, nil
}

// Update applies a mutation to the stored record atomically with respect to
// other Update and AppendLog calls.
func (d *Database) Update(id string, apply func(*Record)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, err := d.GetRecord(id)
	if err != nil {
		return err
	}
	apply(&record)
	record.ID = id

	data, err := serialize(&record)
	if err != nil {
		return err
	}
	return d.db.Put(recordKey(id), data, writeSync)
}

// Delete removes a record and its captured logs.
func (d *Database) Delete(id string) error {
	batch := new(leveldb.Batch)
	batch.Delete(recordKey(id))
	batch.Delete(logsKey(id))
	return d.db.Write(batch, writeSync)
}

// AppendLog adds one log entry to the round's captured consensus log.
func (d *Database) AppendLog(roundID string, entry types.LogEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.getLogs(roundID)
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, entries); err != nil {
		return fmt.Errorf("serializing logs for %s: %w", roundID, err)
	}
	return d.db.Put(logsKey(roundID), w.Bytes(), writeSync)
}

// GetLogs returns the captured consensus log for a round, oldest first.
// A round with no captured entries yields an empty slice.
func (d *Database) GetLogs(roundID string) ([]types.LogEntry, error) {
	return d.getLogs(roundID)
}

func (d *Database) getLogs(roundID string) ([]types.LogEntry, error) {
	data, err := d.db.Get(logsKey(roundID), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return []types.LogEntry{}, nil
	case err != nil:
		return nil, fmt.Errorf("reading logs for %s: %w", roundID, err)
	}

	var entries []types.LogEntry
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &entries); err != nil {
		return nil, fmt.Errorf("deserializing logs for %s: %w", roundID, err)
	}
	return entries, nil
}

func serialize(record *Record) ([]byte, error) {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, record); err != nil {
		return nil, fmt.Errorf("serializing record %s: %w", record.ID, err)
	}
	return w.Bytes(), nil
}
