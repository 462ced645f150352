// Package sqlite persists batch operation data in a local sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	internalsql "github.com/pbinitiative/zenbatch/internal/sql"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/storage"
)

type Storage struct {
	db *sql.DB
}

var _ storage.Storage = &Storage{}

// NewStorage opens (or creates) the database at path and applies the
// schema migrations.
func NewStorage(path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// sqlite handles one writer at a time, a larger pool only produces
	// SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	migrations, err := internalsql.GetMigrations()
	if err != nil {
		return nil, err
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return nil, fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var _ storage.BatchOperationStorageReader = &Storage{}

const batchOperationColumns = `key, type, state, filter, payload,
	operations_total_count, operations_completed_count, operations_failed_count,
	start_date, end_date, actor_id, actor_type`

func (s *Storage) FindBatchOperationByKey(ctx context.Context, key int64) (runtime.BatchOperation, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM batch_operation WHERE key = ?`, batchOperationColumns), key)
	return scanBatchOperation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatchOperation(row rowScanner) (runtime.BatchOperation, error) {
	var op runtime.BatchOperation
	var filterData, payloadData string
	var startDate int64
	var endDate sql.NullInt64
	err := row.Scan(&op.Key, &op.Type, &op.State, &filterData, &payloadData,
		&op.OperationsTotalCount, &op.OperationsCompletedCount, &op.OperationsFailedCount,
		&startDate, &endDate, &op.ActorId, &op.ActorType)
	if errors.Is(err, sql.ErrNoRows) {
		return op, storage.ErrNotFound
	}
	if err != nil {
		return op, fmt.Errorf("failed to scan batch operation: %w", err)
	}
	if err := json.Unmarshal([]byte(filterData), &op.Filter); err != nil {
		return op, fmt.Errorf("failed to unmarshal filter of batch operation %d: %w", op.Key, err)
	}
	op.Payload, err = runtime.UnmarshalPayload(op.Type, []byte(payloadData))
	if err != nil {
		return op, fmt.Errorf("failed to unmarshal payload of batch operation %d: %w", op.Key, err)
	}
	op.StartDate = internalsql.TimeFromNanos(startDate)
	op.EndDate = internalsql.TimePtrFromNull(endDate)
	return op, nil
}

var _ storage.BatchOperationStorageWriter = &Storage{}

func (s *Storage) SaveBatchOperation(ctx context.Context, operation runtime.BatchOperation) error {
	return saveBatchOperation(ctx, s.db, operation)
}

func saveBatchOperation(ctx context.Context, db execer, operation runtime.BatchOperation) error {
	filterData, err := json.Marshal(operation.Filter)
	if err != nil {
		return fmt.Errorf("failed to marshal filter of batch operation %d: %w", operation.Key, err)
	}
	payloadData, err := runtime.MarshalPayload(operation.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload of batch operation %d: %w", operation.Key, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO batch_operation (key, type, state, filter, payload,
			operations_total_count, operations_completed_count, operations_failed_count,
			start_date, end_date, actor_id, actor_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			type = excluded.type,
			state = excluded.state,
			filter = excluded.filter,
			payload = excluded.payload,
			operations_total_count = excluded.operations_total_count,
			operations_completed_count = excluded.operations_completed_count,
			operations_failed_count = excluded.operations_failed_count,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			actor_id = excluded.actor_id,
			actor_type = excluded.actor_type`,
		operation.Key, operation.Type, operation.State, string(filterData), string(payloadData),
		operation.OperationsTotalCount, operation.OperationsCompletedCount, operation.OperationsFailedCount,
		internalsql.Nanos(operation.StartDate), internalsql.ToNullNanos(operation.EndDate),
		operation.ActorId, operation.ActorType)
	if err != nil {
		return fmt.Errorf("failed to save batch operation %d: %w", operation.Key, err)
	}
	return nil
}

var _ storage.BatchOperationItemStorageReader = &Storage{}

const batchOperationItemColumns = `batch_operation_key, item_key, type, state, processed_date, error_message`

func (s *Storage) FindBatchOperationItem(ctx context.Context, batchOperationKey int64, itemKey int64) (runtime.BatchOperationItem, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM batch_operation_item WHERE batch_operation_key = ? AND item_key = ?`, batchOperationItemColumns),
		batchOperationKey, itemKey)
	return scanBatchOperationItem(row)
}

func scanBatchOperationItem(row rowScanner) (runtime.BatchOperationItem, error) {
	var item runtime.BatchOperationItem
	var processedDate sql.NullInt64
	err := row.Scan(&item.BatchOperationKey, &item.ItemKey, &item.Type, &item.State, &processedDate, &item.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return item, storage.ErrNotFound
	}
	if err != nil {
		return item, fmt.Errorf("failed to scan batch operation item: %w", err)
	}
	item.ProcessedDate = internalsql.TimePtrFromNull(processedDate)
	return item, nil
}

func (s *Storage) FindBatchOperationItems(ctx context.Context, batchOperationKey int64) ([]runtime.BatchOperationItem, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM batch_operation_item WHERE batch_operation_key = ? ORDER BY item_key ASC`, batchOperationItemColumns),
		batchOperationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query items of batch operation %d: %w", batchOperationKey, err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *Storage) FindActiveBatchOperationItems(ctx context.Context) ([]runtime.BatchOperationItem, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM batch_operation_item WHERE state = ? ORDER BY batch_operation_key ASC, item_key ASC`, batchOperationItemColumns),
		runtime.BatchOperationItemStateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active batch operation items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]runtime.BatchOperationItem, error) {
	res := make([]runtime.BatchOperationItem, 0)
	for rows.Next() {
		item, err := scanBatchOperationItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

var _ storage.BatchOperationItemStorageWriter = &Storage{}

func (s *Storage) SaveBatchOperationItem(ctx context.Context, item runtime.BatchOperationItem) error {
	return saveBatchOperationItem(ctx, s.db, item)
}

func saveBatchOperationItem(ctx context.Context, db execer, item runtime.BatchOperationItem) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO batch_operation_item (batch_operation_key, item_key, type, state, processed_date, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_operation_key, item_key) DO UPDATE SET
			type = excluded.type,
			state = excluded.state,
			processed_date = excluded.processed_date,
			error_message = excluded.error_message`,
		item.BatchOperationKey, item.ItemKey, item.Type, item.State,
		internalsql.ToNullNanos(item.ProcessedDate), item.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to save item %d of batch operation %d: %w", item.ItemKey, item.BatchOperationKey, err)
	}
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

const processInstanceColumns = `key, process_definition_id, process_definition_key, state, variables, start_date, end_date`

func (s *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM process_instance WHERE key = ?`, processInstanceColumns), processInstanceKey)
	pi, err := scanProcessInstance(row)
	if err != nil {
		return pi, err
	}
	tags, err := s.fetchBatchOperationKeys(ctx, []int64{pi.Key})
	if err != nil {
		return pi, err
	}
	pi.BatchOperationKeys = tags[pi.Key]
	return pi, nil
}

func scanProcessInstance(row rowScanner) (runtime.ProcessInstance, error) {
	var pi runtime.ProcessInstance
	var variablesData string
	var startDate int64
	var endDate sql.NullInt64
	err := row.Scan(&pi.Key, &pi.ProcessDefinitionId, &pi.ProcessDefinitionKey, &pi.State, &variablesData, &startDate, &endDate)
	if errors.Is(err, sql.ErrNoRows) {
		return pi, storage.ErrNotFound
	}
	if err != nil {
		return pi, fmt.Errorf("failed to scan process instance: %w", err)
	}
	if err := json.Unmarshal([]byte(variablesData), &pi.Variables); err != nil {
		return pi, fmt.Errorf("failed to unmarshal variables of process instance %d: %w", pi.Key, err)
	}
	pi.StartDate = internalsql.TimeFromNanos(startDate)
	pi.EndDate = internalsql.TimePtrFromNull(endDate)
	return pi, nil
}

// fetchBatchOperationKeys loads the reverse-index tags for the given
// instances in one query.
func (s *Storage) fetchBatchOperationKeys(ctx context.Context, instanceKeys []int64) (map[int64][]int64, error) {
	res := make(map[int64][]int64, len(instanceKeys))
	if len(instanceKeys) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(instanceKeys)), ",")
	args := make([]any, len(instanceKeys))
	for i, k := range instanceKeys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT process_instance_key, batch_operation_key
		FROM process_instance_batch_operation
		WHERE process_instance_key IN (%s)
		ORDER BY batch_operation_key ASC`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch operation tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var instanceKey, batchKey int64
		if err := rows.Scan(&instanceKey, &batchKey); err != nil {
			return nil, fmt.Errorf("failed to scan batch operation tag: %w", err)
		}
		res[instanceKey] = append(res[instanceKey], batchKey)
	}
	return res, rows.Err()
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (s *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return saveProcessInstance(ctx, s.db, processInstance)
}

func saveProcessInstance(ctx context.Context, db execer, pi runtime.ProcessInstance) error {
	variables := pi.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	variablesData, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables of process instance %d: %w", pi.Key, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO process_instance (key, process_definition_id, process_definition_key, state, variables, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			process_definition_id = excluded.process_definition_id,
			process_definition_key = excluded.process_definition_key,
			state = excluded.state,
			variables = excluded.variables,
			start_date = excluded.start_date,
			end_date = excluded.end_date`,
		pi.Key, pi.ProcessDefinitionId, pi.ProcessDefinitionKey, pi.State, string(variablesData),
		internalsql.Nanos(pi.StartDate), internalsql.ToNullNanos(pi.EndDate))
	if err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", pi.Key, err)
	}
	for _, batchKey := range pi.BatchOperationKeys {
		_, err = db.ExecContext(ctx, `
			INSERT INTO process_instance_batch_operation (process_instance_key, batch_operation_key)
			VALUES (?, ?)
			ON CONFLICT (process_instance_key, batch_operation_key) DO NOTHING`,
			pi.Key, batchKey)
		if err != nil {
			return fmt.Errorf("failed to tag process instance %d with batch operation %d: %w", pi.Key, batchKey, err)
		}
	}
	return nil
}

func (s *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        s,
		stmtToRun: make([]func(tx *sql.Tx) error, 0, 10),
	}
}

// StorageBatch collects writes and applies them in one transaction on
// Flush.
type StorageBatch struct {
	db        *Storage
	stmtToRun []func(tx *sql.Tx) error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	for _, stmt := range b.stmtToRun {
		if err := stmt(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch transaction: %w", err)
	}
	b.stmtToRun = make([]func(tx *sql.Tx) error, 0)
	return nil
}

var _ storage.BatchOperationStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveBatchOperation(ctx context.Context, operation runtime.BatchOperation) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *sql.Tx) error {
		return saveBatchOperation(ctx, tx, operation)
	})
	return nil
}

var _ storage.BatchOperationItemStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveBatchOperationItem(ctx context.Context, item runtime.BatchOperationItem) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *sql.Tx) error {
		return saveBatchOperationItem(ctx, tx, item)
	})
	return nil
}

var _ storage.ProcessInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *sql.Tx) error {
		return saveProcessInstance(ctx, tx, processInstance)
	})
	return nil
}
