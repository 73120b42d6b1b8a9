package frame

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable Store backend: a single pure-Go
// SQLite file, WAL mode, no cgo.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and runs its migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS frames (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL,
			container_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			base_port INTEGER NOT NULL DEFAULT 0,
			extra_ports TEXT NOT NULL DEFAULT '[]',
			template_name TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_status ON frames(status)`,
		`CREATE TABLE IF NOT EXISTS frame_configs (
			frame_id TEXT PRIMARY KEY REFERENCES frames(id) ON DELETE CASCADE,
			config_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS frame_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			detail_json TEXT,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frame_events_frame ON frame_events(frame_id, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFrame(sc scanner) (*Frame, error) {
	var f Frame
	var extraPortsJSON string
	var lastActive sql.NullTime
	err := sc.Scan(
		&f.ID, &f.Name, &f.Description, &f.WorkspacePath, &f.ContainerID,
		&f.Status, &f.BasePort, &extraPortsJSON, &f.TemplateName, &f.ErrorDetail,
		&f.CreatedAt, &f.UpdatedAt, &lastActive,
	)
	if err != nil {
		return nil, err
	}
	if lastActive.Valid {
		f.LastActiveAt = lastActive.Time
	}
	if extraPortsJSON != "" {
		if err := json.Unmarshal([]byte(extraPortsJSON), &f.ExtraPorts); err != nil {
			return nil, fmt.Errorf("decode extra_ports: %w", err)
		}
	}
	return &f, nil
}

const frameColumns = `id, name, description, workspace_path, container_id, status, base_port, extra_ports, template_name, error_detail, created_at, updated_at, last_active_at`

func (s *SQLiteStore) CreateFrame(ctx context.Context, in CreateInput) (*Frame, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	f := &Frame{
		ID:            ID(uuid.NewString()),
		Name:          in.Name,
		Description:   in.Description,
		WorkspacePath: in.WorkspacePath,
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frames (id, name, description, workspace_path, container_id, status, base_port, extra_ports, template_name, error_detail, created_at, updated_at, last_active_at)
		VALUES (?, ?, ?, ?, '', ?, 0, '[]', '', '', ?, ?, NULL)
	`, f.ID, f.Name, f.Description, f.WorkspacePath, f.Status, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("insert frame: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) GetFrame(ctx context.Context, id ID) (*Frame, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE id = ?`, id)
	f, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get frame: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) GetFrameByName(ctx context.Context, name string) (*Frame, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE name = ?`, name)
	f, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get frame by name: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFrames(ctx context.Context, status *Status) ([]*Frame, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE status = ? ORDER BY created_at DESC`, *status)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+frameColumns+` FROM frames ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var out []*Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateFrame(ctx context.Context, id ID, upd Update) (*Frame, error) {
	cur, err := s.GetFrame(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Status != nil && !ValidStatuses[*upd.Status] {
		return nil, ErrInvalidStatus
	}
	if upd.BasePort != nil && *upd.BasePort != 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM frames WHERE base_port = ? AND id != ? AND status != ? LIMIT 1
		`, *upd.BasePort, id, StatusStopped).Scan(&exists)
		if err == nil {
			return nil, ErrPortTaken
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("check base port: %w", err)
		}
	}
	if upd.Status != nil {
		cur.Status = *upd.Status
	}
	if upd.ContainerID != nil {
		cur.ContainerID = *upd.ContainerID
	}
	if upd.ErrorDetail != nil {
		cur.ErrorDetail = *upd.ErrorDetail
	}
	if upd.TemplateName != nil {
		cur.TemplateName = *upd.TemplateName
	}
	if upd.LastActiveAt != nil {
		cur.LastActiveAt = *upd.LastActiveAt
	}
	if upd.BasePort != nil {
		cur.BasePort = *upd.BasePort
	}
	if upd.ExtraPorts != nil {
		cur.ExtraPorts = upd.ExtraPorts
	}
	cur.UpdatedAt = time.Now()

	extraPortsJSON, err := json.Marshal(cur.ExtraPorts)
	if err != nil {
		return nil, fmt.Errorf("encode extra_ports: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE frames SET status=?, container_id=?, error_detail=?, template_name=?, base_port=?, extra_ports=?, updated_at=?, last_active_at=?
		WHERE id=?
	`, cur.Status, cur.ContainerID, cur.ErrorDetail, cur.TemplateName, cur.BasePort, string(extraPortsJSON), cur.UpdatedAt, nullableTime(cur.LastActiveAt), id)
	if err != nil {
		return nil, fmt.Errorf("update frame: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return cur, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *SQLiteStore) DeleteFrame(ctx context.Context, id ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete frame: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetFrameConfig(ctx context.Context, id ID) (*Config, error) {
	if _, err := s.GetFrame(ctx, id); err != nil {
		return nil, err
	}
	var configJSON string
	err := s.db.QueryRowContext(ctx, `SELECT config_json FROM frame_configs WHERE frame_id = ?`, id).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return &Config{FrameID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get frame config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decode frame config: %w", err)
	}
	cfg.FrameID = id
	return &cfg, nil
}

func (s *SQLiteStore) UpdateFrameConfig(ctx context.Context, id ID, cfg Config) error {
	if _, err := s.GetFrame(ctx, id); err != nil {
		return err
	}
	cfg.FrameID = id
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode frame config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO frame_configs (frame_id, config_json) VALUES (?, ?)
		ON CONFLICT(frame_id) DO UPDATE SET config_json = excluded.config_json
	`, id, string(data))
	if err != nil {
		return fmt.Errorf("upsert frame config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev Event) error {
	if _, err := s.GetFrame(ctx, ev.FrameID); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var detail any
	if len(ev.Detail) > 0 {
		detail = string(ev.Detail)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frame_events (frame_id, kind, detail_json, ts) VALUES (?, ?, ?, ?)
	`, ev.FrameID, ev.Kind, detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFrameEvents(ctx context.Context, id ID, limit int) ([]*Event, error) {
	query := `SELECT id, frame_id, kind, detail_json, ts FROM frame_events WHERE frame_id = ? ORDER BY id DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list frame events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.FrameID, &ev.Kind, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan frame event: %w", err)
		}
		if detail.Valid {
			ev.Detail = json.RawMessage(detail.String)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAllocatedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT base_port FROM frames WHERE status != ? AND base_port != 0`, StatusStopped)
	if err != nil {
		return nil, fmt.Errorf("list allocated ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
