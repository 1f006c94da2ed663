package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/db"
	"github.com/ralphd/ralphd/internal/db/dialect"
	"github.com/ralphd/ralphd/internal/runs"
)

// SQLStore persists to SQLite or PostgreSQL through a shared pool. The
// statements are dialect-neutral except for id generation and now(), which
// go through the dialect helpers.
type SQLStore struct {
	pool   *db.Pool
	logger *logger.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the schema and returns the store.
func NewSQLStore(pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "persistence")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	driver := s.pool.Writer().DriverName()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sandboxes (
			id %s,
			user_id TEXT NOT NULL,
			sandbox_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			repo_url TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, dialect.SerialPK(driver)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ralphs (
			id %s,
			sandbox_id BIGINT NOT NULL REFERENCES sandboxes(id),
			user_id TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			iterations INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, dialect.SerialPK(driver)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_events (
			id %s,
			ralph_id BIGINT NOT NULL REFERENCES ralphs(id),
			kind TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, dialect.SerialPK(driver)),
		`CREATE INDEX IF NOT EXISTS idx_agent_events_ralph_id ON agent_events(ralph_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) CreateSandbox(ctx context.Context, user, sandboxID string, provider runs.Provider, repoURL string) (int64, error) {
	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(),
		`INSERT INTO sandboxes (user_id, sandbox_id, provider, repo_url) VALUES (?, ?, ?, ?)`,
		user, sandboxID, string(provider), repoURL)
	if err != nil {
		return 0, fmt.Errorf("insert sandbox: %w", err)
	}
	return id, nil
}

func (s *SQLStore) AttachURL(ctx context.Context, sandboxRowID int64, url string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`UPDATE sandboxes SET url = ? WHERE id = ?`), url, sandboxRowID)
	if err != nil {
		return fmt.Errorf("attach sandbox url: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateRalph(ctx context.Context, user string, sandboxRowID int64, task string) (int64, error) {
	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(),
		`INSERT INTO ralphs (sandbox_id, user_id, task) VALUES (?, ?, ?)`,
		sandboxRowID, user, task)
	if err != nil {
		return 0, fmt.Errorf("insert ralph: %w", err)
	}
	return id, nil
}

func (s *SQLStore) AddAgentEvent(ctx context.Context, ralphRowID int64, kind runs.EventKind, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
		s.logger.Warn("agent event data not serializable",
			zap.Int64("ralph_id", ralphRowID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`INSERT INTO agent_events (ralph_id, kind, data) VALUES (?, ?, ?)`),
		ralphRowID, string(kind), string(payload))
	if err != nil {
		return fmt.Errorf("insert agent event: %w", err)
	}
	return nil
}

// UpdateRalphStatus is last-write-wins: the engine and the run teardown may
// both report a terminal status, and rewriting it is harmless.
func (s *SQLStore) UpdateRalphStatus(ctx context.Context, ralphRowID int64, status string, iterations *int) error {
	w := s.pool.Writer()
	var err error
	if iterations != nil {
		_, err = w.ExecContext(ctx, w.Rebind(fmt.Sprintf(
			`UPDATE ralphs SET status = ?, iterations = ?, updated_at = %s WHERE id = ?`,
			dialect.Now(w.DriverName()))),
			status, *iterations, ralphRowID)
	} else {
		_, err = w.ExecContext(ctx, w.Rebind(fmt.Sprintf(
			`UPDATE ralphs SET status = ?, updated_at = %s WHERE id = ?`,
			dialect.Now(w.DriverName()))),
			status, ralphRowID)
	}
	if err != nil {
		return fmt.Errorf("update ralph status: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
