package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcroute/model"
	"github.com/rs/zerolog/log"
)

const busyTimeoutMS = 5000

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS route_data (
		data_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id     TEXT NOT NULL,
		table_name     TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		row_data       TEXT,
		pk_data        TEXT,
		old_data       TEXT,
		transaction_id TEXT,
		source_node_id TEXT,
		create_time    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS route_outgoing_batch (
		batch_id         INTEGER PRIMARY KEY,
		node_id          TEXT NOT NULL,
		channel_id       TEXT NOT NULL,
		status           TEXT NOT NULL,
		load_id          INTEGER NOT NULL,
		common_flag      INTEGER NOT NULL,
		data_event_count INTEGER NOT NULL,
		byte_count       INTEGER NOT NULL,
		insert_count     INTEGER NOT NULL,
		update_count     INTEGER NOT NULL,
		delete_count     INTEGER NOT NULL,
		other_count      INTEGER NOT NULL,
		router_millis    INTEGER NOT NULL,
		create_time      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_route_outgoing_batch_node ON route_outgoing_batch(node_id, batch_id)`,
	`CREATE TABLE IF NOT EXISTS route_data_event (
		batch_id INTEGER NOT NULL,
		data_id  INTEGER NOT NULL,
		PRIMARY KEY (batch_id, data_id)
	)`,
	`CREATE TABLE IF NOT EXISTS route_data_gap (
		channel_id TEXT NOT NULL,
		start_id   INTEGER NOT NULL,
		end_id     INTEGER NOT NULL,
		PRIMARY KEY (channel_id, start_id)
	)`,
	`CREATE TABLE IF NOT EXISTS route_watermark (
		channel_id TEXT PRIMARY KEY,
		data_id    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS route_sequence (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
}

const batchColumns = `batch_id, node_id, channel_id, status, load_id, common_flag, data_event_count,
	byte_count, insert_count, update_count, delete_count, other_count, router_millis, create_time`

// SQLiteStore keeps routing state in a SQLite database. Writes go through a
// single connection, reads use a small separate pool.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	closed  atomic.Bool
}

// NewSQLiteStore opens or creates routing.db under dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	path := filepath.Join(dataDir, "routing.db")

	writeDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyTimeoutMS)
	writeDB, err := sql.Open(SQLiteDriverName, writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open routing store at %s: %w", path, err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := writeDB.Exec(stmt); err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to initialize routing schema: %w", err)
		}
	}

	readDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMS)
	readDB, err := sql.Open(SQLiteDriverName, readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open routing store reader at %s: %w", path, err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)

	log.Info().Str("path", path).Msg("Opened sqlite routing store")

	return &SQLiteStore{writeDB: writeDB, readDB: readDB, path: path}, nil
}

func (s *SQLiteStore) Begin() (RoutingTransaction, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &sqliteTxn{store: s}, nil
}

func (s *SQLiteStore) AppendData(data *model.Data) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	createTime := data.CreateTime
	if createTime.IsZero() {
		createTime = time.Now()
	}

	res, err := s.writeDB.Exec(`
		INSERT INTO route_data (channel_id, table_name, event_type, row_data, pk_data, old_data,
			transaction_id, source_node_id, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		data.ChannelID, data.TableName, string(data.EventType), data.RowData, data.PKData, data.OldData,
		data.TransactionID, data.SourceNodeID, createTime.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to insert data: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	data.DataID = id
	data.CreateTime = createTime
	return id, nil
}

func (s *SQLiteStore) ReadData(gaps []model.DataGap, limit int) ([]*model.Data, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(gaps) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	clauses := make([]string, len(gaps))
	args := make([]interface{}, 0, len(gaps)*2+1)
	for i, g := range gaps {
		clauses[i] = "(data_id BETWEEN ? AND ?)"
		args = append(args, g.StartID, g.EndID)
	}
	args = append(args, limit)

	query := `SELECT data_id, channel_id, table_name, event_type, row_data, pk_data, old_data,
		transaction_id, source_node_id, create_time FROM route_data WHERE ` +
		strings.Join(clauses, " OR ") + ` ORDER BY data_id LIMIT ?`

	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	defer rows.Close()

	var out []*model.Data
	for rows.Next() {
		var d model.Data
		var eventType string
		var rowData, pkData, oldData, txID, sourceNode sql.NullString
		var createTime int64
		if err := rows.Scan(&d.DataID, &d.ChannelID, &d.TableName, &eventType, &rowData, &pkData,
			&oldData, &txID, &sourceNode, &createTime); err != nil {
			return nil, err
		}
		d.EventType = model.EventType(eventType)
		d.RowData = rowData.String
		d.PKData = pkData.String
		d.OldData = oldData.String
		d.TransactionID = txID.String
		d.SourceNodeID = sourceNode.String
		d.CreateTime = time.Unix(0, createTime)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DataGaps(channelID string) ([]model.DataGap, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.readDB.Query(
		`SELECT start_id, end_id FROM route_data_gap WHERE channel_id = ? ORDER BY start_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to read gaps: %w", err)
	}
	defer rows.Close()

	var gaps []model.DataGap
	for rows.Next() {
		var g model.DataGap
		if err := rows.Scan(&g.StartID, &g.EndID); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

func (s *SQLiteStore) Watermark(channelID string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var id int64
	err := s.readDB.QueryRow(`SELECT data_id FROM route_watermark WHERE channel_id = ?`, channelID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (s *SQLiteStore) OutgoingBatch(batchID int64) (*model.OutgoingBatch, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	row := s.readDB.QueryRow(`SELECT `+batchColumns+` FROM route_outgoing_batch WHERE batch_id = ?`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *SQLiteStore) OutgoingBatches(nodeID string) ([]*model.OutgoingBatch, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.readDB.Query(
		`SELECT `+batchColumns+` FROM route_outgoing_batch WHERE node_id = ? ORDER BY batch_id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read batches: %w", err)
	}
	defer rows.Close()

	var batches []*model.OutgoingBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *SQLiteStore) DataEvents(batchID int64) ([]model.DataEvent, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.readDB.Query(
		`SELECT data_id FROM route_data_event WHERE batch_id = ? ORDER BY data_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read data events: %w", err)
	}
	defer rows.Close()

	var events []model.DataEvent
	for rows.Next() {
		e := model.DataEvent{BatchID: batchID}
		if err := rows.Scan(&e.DataID); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info().Str("path", s.path).Msg("Closing sqlite routing store")
	return errors.Join(s.readDB.Close(), s.writeDB.Close())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*model.OutgoingBatch, error) {
	var (
		b          model.OutgoingBatch
		status     string
		commonFlag int
		createTime int64
	)
	err := row.Scan(&b.BatchID, &b.NodeID, &b.ChannelID, &status, &b.LoadID, &commonFlag,
		&b.DataEventCount, &b.ByteCount, &b.InsertCount, &b.UpdateCount, &b.DeleteCount,
		&b.OtherCount, &b.RouterMillis, &createTime)
	if err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	b.CommonFlag = commonFlag != 0
	b.CreateTime = time.Unix(0, createTime)
	return &b, nil
}

// sqliteTxn begins a *sql.Tx on first use. Commit and Rollback end it and
// the next write begins a new one.
type sqliteTxn struct {
	store     *SQLiteStore
	tx        *sql.Tx
	stmts     map[string]*sql.Stmt
	batchMode bool
	closed    bool
}

// SetInBatchMode makes the transaction prepare each statement once and
// reuse it until the transaction ends.
func (t *sqliteTxn) SetInBatchMode(enabled bool) {
	t.batchMode = enabled
}

func (t *sqliteTxn) begin() (*sql.Tx, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	if t.store.closed.Load() {
		return nil, ErrClosed
	}
	if t.tx == nil {
		tx, err := t.store.writeDB.Begin()
		if err != nil {
			return nil, fmt.Errorf("failed to begin routing transaction: %w", err)
		}
		t.tx = tx
		t.stmts = make(map[string]*sql.Stmt)
	}
	return t.tx, nil
}

func (t *sqliteTxn) exec(query string, args ...interface{}) error {
	tx, err := t.begin()
	if err != nil {
		return err
	}

	if !t.batchMode {
		_, err = tx.Exec(query, args...)
		return err
	}

	stmt, ok := t.stmts[query]
	if !ok {
		stmt, err = tx.Prepare(query)
		if err != nil {
			return err
		}
		t.stmts[query] = stmt
	}
	_, err = stmt.Exec(args...)
	return err
}

func (t *sqliteTxn) NextBatchID() (int64, error) {
	tx, err := t.begin()
	if err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(`
		INSERT INTO route_sequence (name, value) VALUES ('outgoing_batch', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate batch id: %w", err)
	}
	return id, nil
}

func (t *sqliteTxn) InsertOutgoingBatch(b *model.OutgoingBatch) error {
	return t.exec(`INSERT INTO route_outgoing_batch (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.NodeID, b.ChannelID, string(b.Status), b.LoadID, boolToInt(b.CommonFlag),
		b.DataEventCount, b.ByteCount, b.InsertCount, b.UpdateCount, b.DeleteCount, b.OtherCount,
		b.RouterMillis, b.CreateTime.UnixNano())
}

func (t *sqliteTxn) UpdateOutgoingBatch(b *model.OutgoingBatch) error {
	return t.exec(`UPDATE route_outgoing_batch SET status = ?, load_id = ?, common_flag = ?,
		data_event_count = ?, byte_count = ?, insert_count = ?, update_count = ?, delete_count = ?,
		other_count = ?, router_millis = ? WHERE batch_id = ?`,
		string(b.Status), b.LoadID, boolToInt(b.CommonFlag), b.DataEventCount, b.ByteCount,
		b.InsertCount, b.UpdateCount, b.DeleteCount, b.OtherCount, b.RouterMillis, b.BatchID)
}

func (t *sqliteTxn) InsertDataEvents(events []model.DataEvent) error {
	for _, e := range events {
		if err := t.exec(`INSERT OR IGNORE INTO route_data_event (batch_id, data_id) VALUES (?, ?)`,
			e.BatchID, e.DataID); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTxn) SaveDataGaps(channelID string, gaps []model.DataGap) error {
	if err := t.exec(`DELETE FROM route_data_gap WHERE channel_id = ?`, channelID); err != nil {
		return err
	}
	for _, g := range gaps {
		if err := t.exec(`INSERT INTO route_data_gap (channel_id, start_id, end_id) VALUES (?, ?, ?)`,
			channelID, g.StartID, g.EndID); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTxn) SaveWatermark(channelID string, dataID int64) error {
	return t.exec(`INSERT INTO route_watermark (channel_id, data_id) VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET data_id = excluded.data_id`, channelID, dataID)
}

func (t *sqliteTxn) Commit() error {
	if t.closed {
		return ErrTxnClosed
	}
	if t.tx == nil {
		return nil
	}
	err := t.tx.Commit()
	t.reset()
	if err != nil {
		return fmt.Errorf("failed to commit routing transaction: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Rollback() error {
	if t.closed {
		return ErrTxnClosed
	}
	if t.tx == nil {
		return nil
	}
	err := t.tx.Rollback()
	t.reset()
	return err
}

// Close discards anything not yet committed
func (t *sqliteTxn) Close() error {
	if t.closed {
		return nil
	}
	var err error
	if t.tx != nil {
		err = t.tx.Rollback()
		t.reset()
	}
	t.closed = true
	return err
}

func (t *sqliteTxn) reset() {
	for _, stmt := range t.stmts {
		stmt.Close()
	}
	t.stmts = nil
	t.tx = nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
