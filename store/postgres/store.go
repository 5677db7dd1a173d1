// Package postgres provides a PostgreSQL Store implementation via Grove ORM.
//
// Nonces are advanced with a conditional UPDATE so concurrent verifiers in
// separate processes still consume each nonce exactly once. A partial unique
// index keeps at most one non-terminal operation per identity.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/nonce"
	mrstore "github.com/xraph/metarelay/store"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/watcher"
)

// compile-time interface check
var _ mrstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("metarelay/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", metarelay.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Nonce Store ====================

func (s *Store) NextNonce(ctx context.Context, from common.Address) (uint64, error) {
	m := new(nonceModel)
	err := s.pg.NewSelect(m).
		Where("identity = $1", from.Hex()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(m.Next), nil
}

func (s *Store) CompareAndIncrement(ctx context.Context, from common.Address, expected uint64) (uint64, error) {
	var rows []nonceModel
	var err error
	if expected == 0 {
		// An unseen identity has no row yet; the upsert covers both cases.
		err = s.pg.NewRaw(`
			INSERT INTO metarelay_nonces (identity, next, updated_at)
			VALUES ($1, 1, NOW())
			ON CONFLICT (identity) DO UPDATE
			SET next = metarelay_nonces.next + 1, updated_at = NOW()
			WHERE metarelay_nonces.next = 0
			RETURNING *
		`, from.Hex()).Scan(ctx, &rows)
	} else {
		err = s.pg.NewRaw(`
			UPDATE metarelay_nonces
			SET next = next + 1, updated_at = NOW()
			WHERE identity = $1 AND next = $2
			RETURNING *
		`, from.Hex(), int64(expected)).Scan(ctx, &rows)
	}
	if err != nil && !isNoRows(err) {
		return 0, err
	}
	if len(rows) == 1 {
		return uint64(rows[0].Next), nil
	}

	current, err := s.NextNonce(ctx, from)
	if err != nil {
		return 0, err
	}
	if err := nonce.Check(current, expected); err != nil {
		return current, err
	}
	// Lost a race that left the value equal again; report it as a replay.
	return current, nonce.Check(current+1, expected)
}

// ==================== Submission Store ====================

func (s *Store) CreateSubmission(ctx context.Context, sub *submission.Submission) error {
	_, err := s.pg.NewInsert(toSubmissionModel(sub)).Exec(ctx)
	return err
}

func (s *Store) UpdateSubmission(ctx context.Context, sub *submission.Submission) error {
	sub.UpdatedAt = time.Now().UTC()
	res, err := s.pg.NewUpdate(toSubmissionModel(sub)).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return metarelay.ErrSubmissionNotFound
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, subID id.ID) (*submission.Submission, error) {
	m := new(submissionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, metarelay.ErrSubmissionNotFound
		}
		return nil, err
	}
	return fromSubmissionModel(m)
}

func (s *Store) ListSubmissions(ctx context.Context, opts submission.ListOpts) ([]*submission.Submission, error) {
	var models []submissionModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.State != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("state = $%d", argIdx), string(*opts.State))
	}
	if opts.From != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("from_addr = $%d", argIdx), opts.From.Hex())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convertAll(models, fromSubmissionModel)
}

func (s *Store) DueSubmissions(ctx context.Context, now time.Time, limit int) ([]*submission.Submission, error) {
	var models []submissionModel
	q := s.pg.NewSelect(&models).
		Where("state = $1", string(submission.StatePending)).
		Where("next_check_at <= $2", now).
		OrderExpr("next_check_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convertAll(models, fromSubmissionModel)
}

func (s *Store) CountSubmissions(ctx context.Context, state submission.State) (int64, error) {
	count, err := s.pg.NewSelect((*submissionModel)(nil)).
		Where("state = $1", string(state)).
		Count(ctx)
	return count, err
}

// ==================== Operation Store ====================

func (s *Store) CreateOperation(ctx context.Context, op *watcher.Operation) error {
	m, err := toOperationModel(op)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) UpdateOperation(ctx context.Context, op *watcher.Operation) error {
	op.UpdatedAt = time.Now().UTC()
	m, err := toOperationModel(op)
	if err != nil {
		return err
	}
	res, err := s.pg.NewUpdate(m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return metarelay.ErrOperationNotFound
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, opID id.ID) (*watcher.Operation, error) {
	m := new(operationModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", opID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, metarelay.ErrOperationNotFound
		}
		return nil, err
	}
	return fromOperationModel(m)
}

func (s *Store) ListOperations(ctx context.Context, opts watcher.ListOpts) ([]*watcher.Operation, error) {
	var models []operationModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.State != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("state = $%d", argIdx), string(*opts.State))
	}
	if opts.From != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("from_addr = $%d", argIdx), opts.From.Hex())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convertAll(models, fromOperationModel)
}

func (s *Store) DueOperations(ctx context.Context, now time.Time, limit int) ([]*watcher.Operation, error) {
	var models []operationModel
	q := s.pg.NewSelect(&models).
		Where("state NOT IN ('confirmed', 'failed')").
		Where("next_check_at <= $1", now).
		OrderExpr("next_check_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convertAll(models, fromOperationModel)
}

func (s *Store) ActiveOperation(ctx context.Context, from common.Address) (*watcher.Operation, error) {
	m := new(operationModel)
	err := s.pg.NewSelect(m).
		Where("from_addr = $1", from.Hex()).
		Where("state NOT IN ('confirmed', 'failed')").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // no active operation is not an error
		}
		return nil, err
	}
	return fromOperationModel(m)
}

func (s *Store) CreateAttempt(ctx context.Context, a *watcher.Attempt) error {
	_, err := s.pg.NewInsert(toAttemptModel(a)).Exec(ctx)
	return err
}

func (s *Store) UpdateAttempt(ctx context.Context, a *watcher.Attempt) error {
	res, err := s.pg.NewUpdate((*attemptModel)(nil)).
		Set("status = $1", string(a.Status)).
		Set("error = $2", a.Error).
		Set("updated_at = $3", time.Now().UTC()).
		Where("id = $4", a.ID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return metarelay.ErrAttemptNotFound
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, opID id.ID) ([]*watcher.Attempt, error) {
	var models []attemptModel
	if err := s.pg.NewSelect(&models).
		Where("operation_id = $1", opID.String()).
		OrderExpr("submitted_at ASC, id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	return convertAll(models, fromAttemptModel)
}

// ==================== DLQ Store ====================

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pg.NewInsert(toDLQEntryModel(entry)).Exec(ctx)
	return err
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.From != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("from_addr = $%d", argIdx), opts.From.Hex())
	}
	if opts.Since != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("failed_at >= $%d", argIdx), *opts.Since)
	}
	if opts.Until != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("failed_at <= $%d", argIdx), *opts.Until)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("failed_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convertAll(models, fromDLQEntryModel)
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	m := new(dlqEntryModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", dlqID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, metarelay.ErrDLQNotFound
		}
		return nil, err
	}
	return fromDLQEntryModel(m)
}

func (s *Store) MarkReplayed(ctx context.Context, dlqID, opID id.ID, at time.Time) error {
	res, err := s.pg.NewUpdate((*dlqEntryModel)(nil)).
		Set("replayed_at = $1", at).
		Set("replay_operation_id = $2", opID.String()).
		Set("updated_at = $3", time.Now().UTC()).
		Where("id = $4", dlqID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return metarelay.ErrDLQNotFound
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*dlqEntryModel)(nil)).
		Where("failed_at < $1", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return rows, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.pg.NewSelect((*dlqEntryModel)(nil)).
		Count(ctx)
	return count, err
}

// convertAll maps scanned models to domain records, stopping at the first
// row that fails to convert.
func convertAll[M any, T any](models []M, from func(*M) (*T, error)) ([]*T, error) {
	result := make([]*T, len(models))
	for i := range models {
		v, err := from(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
