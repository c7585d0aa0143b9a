package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// StoredAlert is an alert row.
type StoredAlert struct {
	ID          int64             `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	EventID     string            `json:"event_id"`
	RuleID      uint32            `json:"rule_id"`
	Priority    uint32            `json:"priority"`
	Description string            `json:"description"`
	Log         string            `json:"log"`
	Fields      map[string]string `json:"fields"`
	Traits      map[string]string `json:"traits"`
	Groups      []string          `json:"groups"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// AlertStore persists alerts to sqlite. An alert retried by the output
// stage after a partial failure is stored once: a small cache of recent
// fingerprints short-circuits repeats and the unique fingerprint column
// catches the rest.
type AlertStore struct {
	db     *SQLite
	recent *lru.Cache[uint64, struct{}]
	logger *zap.SugaredLogger
}

// NewAlertStore returns a store remembering up to cacheSize fingerprints.
func NewAlertStore(db *SQLite, cacheSize int, logger *zap.SugaredLogger) (*AlertStore, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[uint64, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert dedup cache: %w", err)
	}
	return &AlertStore{db: db, recent: cache, logger: logger}, nil
}

// Fingerprint is a fast non-cryptographic hash identifying one alert.
func Fingerprint(ev *core.Event) uint64 {
	data := ev.EventID + "-" + strconv.FormatUint(uint64(ev.RuleID), 10) + "-" + strconv.FormatInt(ev.Received.UnixNano(), 10)
	return xxhash.Sum64String(data)
}

func fingerprintString(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

// Name identifies the sink in logs and metrics.
func (s *AlertStore) Name() string {
	return "sqlite"
}

// Record stores ev unless it was stored before.
func (s *AlertStore) Record(ctx context.Context, ev *core.Event) error {
	fp := Fingerprint(ev)
	if s.recent.Contains(fp) {
		metrics.AlertsDeduplicated.Inc()
		return nil
	}

	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	traits, err := json.Marshal(ev.Traits)
	if err != nil {
		return fmt.Errorf("failed to encode traits: %w", err)
	}
	groups, err := json.Marshal(ev.SortedGroups())
	if err != nil {
		return fmt.Errorf("failed to encode groups: %w", err)
	}

	res, err := s.db.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts
		(fingerprint, event_id, rule_id, priority, description, log, fields, traits, groups_list, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fingerprintString(fp), ev.EventID, ev.RuleID, ev.Priority, ev.Description, ev.LogStr,
		string(fields), string(traits), string(groups), ev.Received.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	s.recent.Add(fp, struct{}{})

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		metrics.AlertsDeduplicated.Inc()
		s.logger.Debugw("Alert already stored", "event_id", ev.EventID, "rule_id", ev.RuleID)
		return nil
	}
	metrics.AlertsStored.Inc()
	return nil
}

const alertColumns = `id, fingerprint, event_id, rule_id, priority, description, log, fields, traits, groups_list, received_at`

// Recent returns up to limit alerts, newest first.
func (s *AlertStore) Recent(ctx context.Context, limit int) ([]StoredAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.DB.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []StoredAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Get returns the alert with the given fingerprint.
func (s *AlertStore) Get(ctx context.Context, fingerprint string) (*StoredAlert, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE fingerprint = ?`, fingerprint)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}

// Count returns the number of stored alerts.
func (s *AlertStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*StoredAlert, error) {
	var (
		a                      StoredAlert
		fields, traits, groups string
	)
	err := row.Scan(&a.ID, &a.Fingerprint, &a.EventID, &a.RuleID, &a.Priority, &a.Description, &a.Log,
		&fields, &traits, &groups, &a.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &a.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	if err := json.Unmarshal([]byte(traits), &a.Traits); err != nil {
		return nil, fmt.Errorf("failed to decode traits: %w", err)
	}
	if err := json.Unmarshal([]byte(groups), &a.Groups); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}
	return &a, nil
}
