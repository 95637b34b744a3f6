// Package wal implements the write-ahead log the transaction engine relies
// on for durability. A commit is only reported to the caller after its record
// has been appended and synced; the two-phase commit coordinator logs its
// decision here before entering phase 2 so a restarted coordinator can replay
// it to participants that never acknowledged.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// LSN is a log sequence number, assigned monotonically per append.
type LSN uint64

// InvalidLSN is never assigned to a record.
const InvalidLSN LSN = 0

// RecordType defines the type of operation logged.
type RecordType byte

const (
	RecordTypePrepare  RecordType = iota + 1 // participant voted yes, locks held
	RecordTypeCommit                         // transaction commit
	RecordTypeAbort                          // transaction abort
	RecordTypeDecision                       // 2PC coordinator decision
	RecordTypeSagaMark                       // saga status transition
)

// Record is a single entry in the write-ahead log.
type Record struct {
	LSN     LSN
	Type    RecordType
	TxnID   uint64 // 0 when the record is not tied to a transaction
	Payload []byte // type-specific encoded payload
}

const (
	walFileName = "kurodb.wal"

	// frame layout: u32 body length, u32 crc32(body); body: u64 lsn,
	// u8 type, u64 txnID, payload.
	frameHeaderSize  = 8
	recordHeaderSize = 17
)

// LogManager manages the append-only log file. Appends are buffered; Sync
// flushes the buffer and fsyncs, which is the durability point.
type LogManager struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	w       *bufio.Writer
	nextLSN LSN
	logger  *zap.Logger
}

// NewLogManager opens (or creates) the log in dir and recovers the next LSN
// by scanning existing records. A torn record at the tail is truncated away.
func NewLogManager(dir string, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, walFileName)

	records, validSize, err := scan(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal file %s: %w", path, err)
	}
	if err := file.Truncate(validSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to truncate torn wal tail: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek wal file: %w", err)
	}

	next := LSN(1)
	if n := len(records); n > 0 {
		next = records[n-1].LSN + 1
	}

	lm := &LogManager{
		path:    path,
		file:    file,
		w:       bufio.NewWriter(file),
		nextLSN: next,
		logger:  logger,
	}
	lm.logger.Info("wal opened",
		zap.String("path", path),
		zap.Uint64("next_lsn", uint64(next)),
		zap.Int("recovered_records", len(records)))
	return lm, nil
}

// Append writes rec to the log buffer and assigns its LSN. The record is not
// durable until Sync returns.
func (lm *LogManager) Append(rec *Record) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return InvalidLSN, fmt.Errorf("wal is closed")
	}

	rec.LSN = lm.nextLSN
	body := make([]byte, recordHeaderSize+len(rec.Payload))
	binary.LittleEndian.PutUint64(body[0:8], uint64(rec.LSN))
	body[8] = byte(rec.Type)
	binary.LittleEndian.PutUint64(body[9:17], rec.TxnID)
	copy(body[recordHeaderSize:], rec.Payload)

	var frame [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))

	if _, err := lm.w.Write(frame[:]); err != nil {
		return InvalidLSN, fmt.Errorf("failed to append wal frame: %w", err)
	}
	if _, err := lm.w.Write(body); err != nil {
		return InvalidLSN, fmt.Errorf("failed to append wal record: %w", err)
	}

	lm.nextLSN++
	return rec.LSN, nil
}

// AppendSync appends rec and makes it durable before returning.
func (lm *LogManager) AppendSync(rec *Record) (LSN, error) {
	lsn, err := lm.Append(rec)
	if err != nil {
		return InvalidLSN, err
	}
	if err := lm.Sync(); err != nil {
		return InvalidLSN, err
	}
	return lsn, nil
}

// Sync flushes buffered records and fsyncs the log file.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return fmt.Errorf("wal is closed")
	}
	if err := lm.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush wal buffer: %w", err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync wal file: %w", err)
	}
	return nil
}

// ReadAll returns every durable record in LSN order. Used by recovery paths;
// records still sitting in the append buffer are not visible.
func (lm *LogManager) ReadAll() ([]Record, error) {
	lm.mu.Lock()
	path := lm.path
	lm.mu.Unlock()

	records, _, err := scan(path)
	return records, err
}

// Close flushes and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	flushErr := lm.w.Flush()
	syncErr := lm.file.Sync()
	closeErr := lm.file.Close()
	lm.file = nil
	if flushErr != nil {
		return flushErr
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// scan reads records from path until EOF or the first torn/corrupt frame,
// returning the records and the byte offset up to which the file is valid.
func scan(path string) ([]Record, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open wal file %s: %w", path, err)
	}
	defer file.Close()

	var (
		records   []Record
		validSize int64
		r         = bufio.NewReader(file)
	)
	for {
		var frame [frameHeaderSize]byte
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			// EOF or a torn frame header ends the scan.
			break
		}
		bodyLen := binary.LittleEndian.Uint32(frame[0:4])
		checksum := binary.LittleEndian.Uint32(frame[4:8])
		if bodyLen < recordHeaderSize {
			break
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		if crc32.ChecksumIEEE(body) != checksum {
			break
		}

		rec := Record{
			LSN:   LSN(binary.LittleEndian.Uint64(body[0:8])),
			Type:  RecordType(body[8]),
			TxnID: binary.LittleEndian.Uint64(body[9:17]),
		}
		if payload := body[recordHeaderSize:]; len(payload) > 0 {
			rec.Payload = append([]byte(nil), payload...)
		}
		records = append(records, rec)
		validSize += frameHeaderSize + int64(bodyLen)
	}
	return records, validSize, nil
}
