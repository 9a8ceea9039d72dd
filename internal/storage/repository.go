package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	selectStateSQL = `SELECT
        listing_id,
        tested_count,
        is_running,
        current_variant_index,
        is_concluded,
        updated_at
    FROM experiment_states
    WHERE listing_id = $1;`

	startVariantSQL = `INSERT INTO experiment_states (
        listing_id,
        tested_count,
        is_running,
        current_variant_index,
        is_concluded,
        updated_at
    ) VALUES (
        $1, 0, TRUE, $2, FALSE, NOW()
    )
    ON CONFLICT (listing_id) DO UPDATE
    SET is_running            = TRUE,
        current_variant_index = EXCLUDED.current_variant_index,
        updated_at            = NOW();`

	clearRunningSQL = `UPDATE experiment_states
    SET is_running = FALSE, updated_at = NOW()
    WHERE listing_id = $1;`

	markConcludedSQL = `UPDATE experiment_states
    SET is_concluded = TRUE, is_running = FALSE, updated_at = NOW()
    WHERE listing_id = $1;`

	insertResultSQL = `INSERT INTO experiment_results (
        listing_id,
        position,
        title,
        description,
        conversion,
        concluded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (listing_id, position) DO NOTHING;`

	completeVariantStateSQL = `UPDATE experiment_states
    SET tested_count = tested_count + 1,
        is_running   = FALSE,
        updated_at   = NOW()
    WHERE listing_id = $1;`

	deleteVariantsSQL = `DELETE FROM experiment_variants WHERE listing_id = $1;`

	insertVariantSQL = `INSERT INTO experiment_variants (
        listing_id,
        position,
        title,
        description
    ) VALUES (
        $1,$2,$3,$4
    );`

	listVariantsSQL = `SELECT position, title, description
    FROM experiment_variants
    WHERE listing_id = $1
    ORDER BY position;`

	listResultsSQL = `SELECT position, title, description, conversion, concluded_at
    FROM experiment_results
    WHERE listing_id = $1
    ORDER BY position;`

	scheduleConclusionSQL = `INSERT INTO pending_conclusions (
        listing_id,
        variant_index,
        due_at
    ) VALUES (
        $1,$2,$3
    )
    RETURNING id, listing_id, variant_index, due_at, claimed_at, created_at;`

	claimDueConclusionsSQL = `UPDATE pending_conclusions
    SET claimed_at = NOW()
    WHERE id IN (
        SELECT id FROM pending_conclusions
        WHERE due_at <= $1
          AND (claimed_at IS NULL OR claimed_at < $2)
        ORDER BY due_at
        LIMIT $3
        FOR UPDATE SKIP LOCKED
    )
    RETURNING id, listing_id, variant_index, due_at, claimed_at, created_at;`

	completeConclusionSQL = `DELETE FROM pending_conclusions WHERE id = $1;`

	releaseConclusionSQL = `UPDATE pending_conclusions
    SET claimed_at = NULL
    WHERE id = $1;`

	cancelConclusionsSQL = `DELETE FROM pending_conclusions WHERE listing_id = $1;`

	insertPromotionWindowSQL = `INSERT INTO promotion_windows (
        listing_id,
        discount_pct,
        original_price,
        start_at,
        end_at,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, listing_id, discount_pct, original_price, start_at, end_at, reason, created_at, removed_at;`

	activePromotionWindowSQL = `SELECT
        id, listing_id, discount_pct, original_price, start_at, end_at, reason, created_at, removed_at
    FROM promotion_windows
    WHERE listing_id = $1
      AND removed_at IS NULL
    ORDER BY created_at DESC
    LIMIT 1;`

	closePromotionWindowSQL = `UPDATE promotion_windows
    SET removed_at = NOW()
    WHERE listing_id = $1
      AND removed_at IS NULL;`

	insertActionSQL = `INSERT INTO action_records (
        action_type,
        listing_id,
        before_value,
        after_value
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, action_type, listing_id, before_value, after_value, created_at;`

	listRecentActionsSQL = `SELECT
        id, action_type, listing_id, before_value, after_value, created_at
    FROM action_records
    ORDER BY created_at DESC
    LIMIT $1;`

	listActionsBetweenSQL = `SELECT
        id, action_type, listing_id, before_value, after_value, created_at
    FROM action_records
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	countActionsSQL = `SELECT COUNT(*) FROM action_records;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ExperimentStore defines persistence for the A/B test state machine.
type ExperimentStore interface {
	State(ctx context.Context, listingID string) (ExperimentState, error)
	PutVariants(ctx context.Context, listingID string, variants []Variant) error
	Variants(ctx context.Context, listingID string) ([]Variant, error)
	Results(ctx context.Context, listingID string) ([]VariantResult, error)
	StartVariant(ctx context.Context, listingID string, index int) error
	CompleteVariant(ctx context.Context, listingID string, result VariantResult) error
	MarkConcluded(ctx context.Context, listingID string) error
	ClearRunning(ctx context.Context, listingID string) error
}

// ConclusionStore defines persistence for deferred test conclusions.
type ConclusionStore interface {
	ScheduleConclusion(ctx context.Context, listingID string, variantIndex int, dueAt time.Time) (PendingConclusion, error)
	ClaimDueConclusions(ctx context.Context, now, staleBefore time.Time, limit int) ([]PendingConclusion, error)
	CompleteConclusion(ctx context.Context, id int64) error
	ReleaseConclusion(ctx context.Context, id int64) error
	CancelConclusions(ctx context.Context, listingID string) error
}

// PromotionStore defines persistence for promotion windows.
type PromotionStore interface {
	InsertPromotionWindow(ctx context.Context, window PromotionWindow) (PromotionWindow, error)
	ActivePromotionWindow(ctx context.Context, listingID string) (*PromotionWindow, error)
	ClosePromotionWindow(ctx context.Context, listingID string) error
}

// ActionStore defines the append-only audit log.
type ActionStore interface {
	InsertAction(ctx context.Context, record ActionRecord) (ActionRecord, error)
	ListRecentActions(ctx context.Context, limit int) ([]ActionRecord, error)
	ListActionsBetween(ctx context.Context, from, to time.Time) ([]ActionRecord, error)
	CountActions(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to all engine-owned tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// State loads the experiment state of a listing; absent rows yield a fresh state.
func (s *Store) State(ctx context.Context, listingID string) (ExperimentState, error) {
	pool, err := s.getPool()
	if err != nil {
		return ExperimentState{}, err
	}

	var state ExperimentState
	row := pool.QueryRow(ctx, selectStateSQL, listingID)
	scanErr := row.Scan(
		&state.ListingID,
		&state.TestedCount,
		&state.Running,
		&state.CurrentVariantIndex,
		&state.Concluded,
		&state.UpdatedAt,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return ExperimentState{ListingID: listingID}, nil
		}
		return ExperimentState{}, fmt.Errorf("select experiment state: %w", scanErr)
	}
	return state, nil
}

// PutVariants replaces the stored variant set for a listing.
func (s *Store) PutVariants(ctx context.Context, listingID string, variants []Variant) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put variants: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, deleteVariantsSQL, listingID); err != nil {
		return fmt.Errorf("delete variants: %w", err)
	}
	for _, v := range variants {
		if _, err := tx.Exec(ctx, insertVariantSQL, listingID, v.Position, v.Title, v.Description); err != nil {
			return fmt.Errorf("insert variant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put variants: %w", err)
	}
	return nil
}

// Variants lists the stored variants of a listing in test order.
func (s *Store) Variants(ctx context.Context, listingID string) ([]Variant, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listVariantsSQL, listingID)
	if queryErr != nil {
		return nil, fmt.Errorf("list variants: %w", queryErr)
	}
	defer rows.Close()

	variants := make([]Variant, 0)
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.Position, &v.Title, &v.Description); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return variants, nil
}

// Results lists completed variant runs in first-seen order.
func (s *Store) Results(ctx context.Context, listingID string) ([]VariantResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listResultsSQL, listingID)
	if queryErr != nil {
		return nil, fmt.Errorf("list results: %w", queryErr)
	}
	defer rows.Close()

	results := make([]VariantResult, 0)
	for rows.Next() {
		var r VariantResult
		if err := rows.Scan(&r.Position, &r.Title, &r.Description, &r.Conversion, &r.ConcludedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// StartVariant marks a variant run as live.
func (s *Store) StartVariant(ctx context.Context, listingID string, index int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, startVariantSQL, listingID, index); execErr != nil {
		return fmt.Errorf("start variant: %w", execErr)
	}
	return nil
}

// CompleteVariant records a result and advances the tested count. Idempotent:
// a re-delivered conclusion for an already-recorded position only clears the
// running flag.
func (s *Store) CompleteVariant(ctx context.Context, listingID string, result VariantResult) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete variant: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, execErr := tx.Exec(ctx, insertResultSQL,
		listingID,
		result.Position,
		result.Title,
		result.Description,
		result.Conversion,
		result.ConcludedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert result: %w", execErr)
	}

	if tag.RowsAffected() > 0 {
		if _, execErr := tx.Exec(ctx, completeVariantStateSQL, listingID); execErr != nil {
			return fmt.Errorf("advance tested count: %w", execErr)
		}
	} else {
		if _, execErr := tx.Exec(ctx, clearRunningSQL, listingID); execErr != nil {
			return fmt.Errorf("clear running: %w", execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete variant: %w", err)
	}
	return nil
}

// MarkConcluded records that the winner has been applied.
func (s *Store) MarkConcluded(ctx context.Context, listingID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markConcludedSQL, listingID); execErr != nil {
		return fmt.Errorf("mark concluded: %w", execErr)
	}
	return nil
}

// ClearRunning drops the running flag without recording a result.
func (s *Store) ClearRunning(ctx context.Context, listingID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, clearRunningSQL, listingID); execErr != nil {
		return fmt.Errorf("clear running: %w", execErr)
	}
	return nil
}

// ScheduleConclusion inserts a durable due-at record.
func (s *Store) ScheduleConclusion(ctx context.Context, listingID string, variantIndex int, dueAt time.Time) (PendingConclusion, error) {
	pool, err := s.getPool()
	if err != nil {
		return PendingConclusion{}, err
	}

	row := pool.QueryRow(ctx, scheduleConclusionSQL, listingID, variantIndex, dueAt)
	return scanPendingConclusion(row)
}

// ClaimDueConclusions claims due rows for processing. Rows claimed before
// staleBefore are considered abandoned and reclaimed (at-least-once).
func (s *Store) ClaimDueConclusions(ctx context.Context, now, staleBefore time.Time, limit int) ([]PendingConclusion, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimDueConclusionsSQL, now, staleBefore, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("claim due conclusions: %w", queryErr)
	}
	defer rows.Close()

	pending := make([]PendingConclusion, 0, limit)
	for rows.Next() {
		p, scanErr := scanPendingConclusion(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		pending = append(pending, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pending, nil
}

// CompleteConclusion removes a processed due-at record.
func (s *Store) CompleteConclusion(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, completeConclusionSQL, id); execErr != nil {
		return fmt.Errorf("complete conclusion: %w", execErr)
	}
	return nil
}

// ReleaseConclusion returns a claimed row to the queue after a failure.
func (s *Store) ReleaseConclusion(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, releaseConclusionSQL, id); execErr != nil {
		return fmt.Errorf("release conclusion: %w", execErr)
	}
	return nil
}

// CancelConclusions removes all pending conclusions for a listing.
func (s *Store) CancelConclusions(ctx context.Context, listingID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, cancelConclusionsSQL, listingID); execErr != nil {
		return fmt.Errorf("cancel conclusions: %w", execErr)
	}
	return nil
}

// InsertPromotionWindow persists a scheduled discount.
func (s *Store) InsertPromotionWindow(ctx context.Context, window PromotionWindow) (PromotionWindow, error) {
	pool, err := s.getPool()
	if err != nil {
		return PromotionWindow{}, err
	}

	row := pool.QueryRow(ctx, insertPromotionWindowSQL,
		window.ListingID,
		window.DiscountPct,
		window.OriginalPrice.String(),
		window.StartAt,
		window.EndAt,
		window.Reason,
	)
	return scanPromotionWindow(row)
}

// ActivePromotionWindow returns the open window of a listing, or nil.
func (s *Store) ActivePromotionWindow(ctx context.Context, listingID string) (*PromotionWindow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, activePromotionWindowSQL, listingID)
	window, scanErr := scanPromotionWindow(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return &window, nil
}

// ClosePromotionWindow marks the open window of a listing as removed.
func (s *Store) ClosePromotionWindow(ctx context.Context, listingID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, closePromotionWindowSQL, listingID); execErr != nil {
		return fmt.Errorf("close promotion window: %w", execErr)
	}
	return nil
}

// InsertAction appends one audit entry.
func (s *Store) InsertAction(ctx context.Context, record ActionRecord) (ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ActionRecord{}, err
	}

	row := pool.QueryRow(ctx, insertActionSQL,
		record.Type,
		record.ListingID,
		record.Before,
		record.After,
	)

	var rec ActionRecord
	if scanErr := row.Scan(&rec.ID, &rec.Type, &rec.ListingID, &rec.Before, &rec.After, &rec.CreatedAt); scanErr != nil {
		return ActionRecord{}, fmt.Errorf("insert action: %w", scanErr)
	}
	return rec, nil
}

// ListRecentActions lists most recent audit entries.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentActionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent actions: %w", queryErr)
	}
	defer rows.Close()

	return collectActions(rows, limit)
}

// ListActionsBetween lists audit entries within a time window.
func (s *Store) ListActionsBetween(ctx context.Context, from, to time.Time) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list actions between: %w", queryErr)
	}
	defer rows.Close()

	return collectActions(rows, 0)
}

// CountActions counts stored audit entries.
func (s *Store) CountActions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countActionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count actions: %w", scanErr)
	}
	return count, nil
}

func collectActions(rows pgx.Rows, hint int) ([]ActionRecord, error) {
	actions := make([]ActionRecord, 0, hint)
	for rows.Next() {
		var rec ActionRecord
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.ListingID, &rec.Before, &rec.After, &rec.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return actions, nil
}

func scanPendingConclusion(row pgx.Row) (PendingConclusion, error) {
	var (
		p       PendingConclusion
		claimed sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.ListingID, &p.VariantIndex, &p.DueAt, &claimed, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PendingConclusion{}, err
		}
		return PendingConclusion{}, fmt.Errorf("scan pending conclusion: %w", err)
	}
	if claimed.Valid {
		value := claimed.Time
		p.ClaimedAt = &value
	}
	return p, nil
}

func scanPromotionWindow(row pgx.Row) (PromotionWindow, error) {
	var (
		window      PromotionWindow
		originalStr string
		removed     sql.NullTime
	)
	if err := row.Scan(
		&window.ID,
		&window.ListingID,
		&window.DiscountPct,
		&originalStr,
		&window.StartAt,
		&window.EndAt,
		&window.Reason,
		&window.CreatedAt,
		&removed,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PromotionWindow{}, err
		}
		return PromotionWindow{}, fmt.Errorf("scan promotion window: %w", err)
	}

	original, convErr := decimal.NewFromString(originalStr)
	if convErr != nil {
		return PromotionWindow{}, fmt.Errorf("parse original price: %w", convErr)
	}
	window.OriginalPrice = original

	if removed.Valid {
		value := removed.Time
		window.RemovedAt = &value
	}
	return window, nil
}

var (
	_ ExperimentStore = (*Store)(nil)
	_ ConclusionStore = (*Store)(nil)
	_ PromotionStore  = (*Store)(nil)
	_ ActionStore     = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
