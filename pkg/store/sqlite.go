package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"trip-agent/agent_go/internal/utils"
	"trip-agent/agent_go/pkg/research"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger utils.ExtendedLogger

	// Per-scenario write serialization. The hash-compare-then-allocate
	// algorithm in Save is only correct when at most one writer mutates a
	// scenario's version history at a time.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLiteStore opens (or creates) the database and applies migrations.
func NewSQLiteStore(dbPath string, logger utils.ExtendedLogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := NewMigrationRunner(db).RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *SQLiteStore) scenarioLock(scenarioID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[scenarioID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[scenarioID] = lock
	}
	return lock
}

// Save merges the destination's items into the scenario's latest record
// set and writes a new, strictly increasing version iff the content hash
// changed. Identical input is a no-op beyond a touched timestamp.
func (s *SQLiteStore) Save(ctx context.Context, scenarioID, destinationID, destinationName string, items []research.CostLineItem) (*SaveOutcome, error) {
	lock := s.scenarioLock(scenarioID)
	lock.Lock()
	defer lock.Unlock()

	outcome, err := s.saveLocked(ctx, scenarioID, destinationID, items)
	if errors.Is(err, ErrSaveConflict) {
		// Cannot happen while the per-scenario lock holds, but on an
		// externally shared database file another writer can still win
		// the (scenario_id, version) slot. Recompute once.
		s.logger.Warnf("save conflict on scenario %s, retrying with recomputed version", scenarioID)
		outcome, err = s.saveLocked(ctx, scenarioID, destinationID, items)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Infof("scenario save complete - scenario_id: %s, destination_id: %s (%s), saved: %t, version: %d, items: %d",
		scenarioID, destinationID, destinationName, outcome.Saved, outcome.Version, outcome.CostsSaved)
	return outcome, nil
}

func (s *SQLiteStore) saveLocked(ctx context.Context, scenarioID, destinationID string, items []research.CostLineItem) (*SaveOutcome, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO scenarios (scenario_id) VALUES (?)", scenarioID); err != nil {
		return nil, fmt.Errorf("failed to ensure scenario: %w", err)
	}

	scenario, err := s.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}

	latest, err := s.GetLatest(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	var latestItems []research.CostLineItem
	var latestHash string
	var latestVersion int64
	if latest != nil {
		latestItems = latest.Items
		latestHash = latest.ContentHash
		latestVersion = latest.Version
	}

	merged := MergeItems(latestItems, destinationID, items)
	hash := ContentHash(merged)

	if hash == latestHash && latest != nil {
		if err := s.touch(ctx, scenarioID); err != nil {
			return nil, err
		}
		return &SaveOutcome{
			Saved:      false,
			Version:    latestVersion,
			CostsSaved: len(items),
			TotalCosts: RollupTotals(merged),
		}, nil
	}

	newVersion := scenario.CurrentVersion
	if latestVersion > newVersion {
		newVersion = latestVersion
	}
	newVersion++

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO scenario_versions (scenario_id, version, content_hash) VALUES (?, ?, ?)",
		scenarioID, newVersion, hash)
	if err != nil {
		if isConstraintErr(err) {
			return nil, ErrSaveConflict
		}
		return nil, fmt.Errorf("failed to insert scenario version: %w", err)
	}
	versionRowID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read version row id: %w", err)
	}

	for _, item := range merged {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cost_items
				(version_row_id, item_id, destination_id, category, description, amount_local, currency, amount_usd, status, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			versionRowID, item.ID, item.DestinationID, item.Category, item.Description,
			item.AmountLocal, item.Currency, item.AmountUSD, item.Status, item.Source,
		); err != nil {
			return nil, fmt.Errorf("failed to insert cost item %s: %w", item.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE scenarios SET current_version = ?, touched_at = CURRENT_TIMESTAMP WHERE scenario_id = ?",
		newVersion, scenarioID); err != nil {
		return nil, fmt.Errorf("failed to update scenario pointer: %w", err)
	}

	// Recompute the rollup cache from the merged set. Derived data only;
	// the cost_items rows remain the source of truth.
	totals := RollupTotals(merged)
	if _, err := tx.ExecContext(ctx, "DELETE FROM category_rollups WHERE scenario_id = ?", scenarioID); err != nil {
		return nil, fmt.Errorf("failed to clear rollups: %w", err)
	}
	for category, total := range totals {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO category_rollups (scenario_id, category, total_usd) VALUES (?, ?, ?)",
			scenarioID, category, total); err != nil {
			return nil, fmt.Errorf("failed to insert rollup for %s: %w", category, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}

	return &SaveOutcome{
		Saved:      true,
		Version:    newVersion,
		CostsSaved: len(items),
		TotalCosts: totals,
	}, nil
}

func (s *SQLiteStore) touch(ctx context.Context, scenarioID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE scenarios SET touched_at = CURRENT_TIMESTAMP WHERE scenario_id = ?", scenarioID); err != nil {
		return fmt.Errorf("failed to touch scenario: %w", err)
	}
	return nil
}

// GetScenario retrieves the scenario header row. Returns nil when the
// scenario does not exist yet.
func (s *SQLiteStore) GetScenario(ctx context.Context, scenarioID string) (*Scenario, error) {
	var scenario Scenario
	err := s.db.QueryRowContext(ctx,
		"SELECT scenario_id, current_version, created_at, touched_at FROM scenarios WHERE scenario_id = ?",
		scenarioID).Scan(&scenario.ScenarioID, &scenario.CurrentVersion, &scenario.CreatedAt, &scenario.TouchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario: %w", err)
	}
	return &scenario, nil
}

// GetLatest returns the newest version snapshot with its full item set,
// or nil when no version exists.
func (s *SQLiteStore) GetLatest(ctx context.Context, scenarioID string) (*ScenarioVersion, error) {
	var rowID int64
	var version ScenarioVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scenario_id, version, content_hash, created_at
		FROM scenario_versions
		WHERE scenario_id = ?
		ORDER BY version DESC
		LIMIT 1`, scenarioID).Scan(&rowID, &version.ScenarioID, &version.Version, &version.ContentHash, &version.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest version: %w", err)
	}

	items, err := s.itemsForVersionRow(ctx, rowID)
	if err != nil {
		return nil, err
	}
	version.Items = items
	return &version, nil
}

// ListVersions returns all version snapshots, oldest first, items included.
func (s *SQLiteStore) ListVersions(ctx context.Context, scenarioID string) ([]ScenarioVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario_id, version, content_hash, created_at
		FROM scenario_versions
		WHERE scenario_id = ?
		ORDER BY version ASC`, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	type versionRow struct {
		rowID   int64
		version ScenarioVersion
	}
	var versionRows []versionRow
	for rows.Next() {
		var vr versionRow
		if err := rows.Scan(&vr.rowID, &vr.version.ScenarioID, &vr.version.Version, &vr.version.ContentHash, &vr.version.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		versionRows = append(versionRows, vr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	versions := make([]ScenarioVersion, 0, len(versionRows))
	for _, vr := range versionRows {
		items, err := s.itemsForVersionRow(ctx, vr.rowID)
		if err != nil {
			return nil, err
		}
		vr.version.Items = items
		versions = append(versions, vr.version)
	}
	return versions, nil
}

func (s *SQLiteStore) itemsForVersionRow(ctx context.Context, rowID int64) ([]research.CostLineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, destination_id, category, description, amount_local, currency, amount_usd, status, source
		FROM cost_items
		WHERE version_row_id = ?
		ORDER BY item_id ASC`, rowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost items: %w", err)
	}
	defer rows.Close()

	var items []research.CostLineItem
	for rows.Next() {
		var item research.CostLineItem
		if err := rows.Scan(&item.ID, &item.DestinationID, &item.Category, &item.Description,
			&item.AmountLocal, &item.Currency, &item.AmountUSD, &item.Status, &item.Source); err != nil {
			return nil, fmt.Errorf("failed to scan cost item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Rollup reads the cached category totals for O(1) summary reads.
func (s *SQLiteStore) Rollup(ctx context.Context, scenarioID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT category, total_usd FROM category_rollups WHERE scenario_id = ?", scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to read rollups: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var category string
		var total float64
		if err := rows.Scan(&category, &total); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		totals[category] = total
	}
	return totals, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// interface check
var _ Store = (*SQLiteStore)(nil)
