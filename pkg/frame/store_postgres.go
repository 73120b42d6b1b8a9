package frame

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresConfig configures the shared-database Store backend, for
// deployments where several home agents share one control plane.
type PostgresConfig struct {
	Host     string `env:"FRAMERELAY_PG_HOST" envDefault:"localhost"`
	Port     int    `env:"FRAMERELAY_PG_PORT" envDefault:"5432"`
	Database string `env:"FRAMERELAY_PG_DATABASE" envDefault:"framerelay"`
	User     string `env:"FRAMERELAY_PG_USER" envDefault:"framerelay"`
	Password string `env:"FRAMERELAY_PG_PASSWORD"`
	SSLMode  string `env:"FRAMERELAY_PG_SSLMODE" envDefault:"require"`
}

// DSN builds the libpq connection string for this configuration.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// PostgresStore is a Store backend over a shared Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against cfg and runs migrations.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS frame_relay_frames (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL,
			container_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			base_port INTEGER NOT NULL DEFAULT 0,
			extra_ports JSONB NOT NULL DEFAULT '[]',
			template_name TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frame_relay_frames_status ON frame_relay_frames(status)`,
		`CREATE TABLE IF NOT EXISTS frame_relay_configs (
			frame_id TEXT PRIMARY KEY REFERENCES frame_relay_frames(id) ON DELETE CASCADE,
			config_json JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS frame_relay_events (
			id BIGSERIAL PRIMARY KEY,
			frame_id TEXT NOT NULL REFERENCES frame_relay_frames(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			detail_json JSONB,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frame_relay_events_frame ON frame_relay_events(frame_id, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

const pgFrameColumns = `id, name, description, workspace_path, container_id, status, base_port, extra_ports, template_name, error_detail, created_at, updated_at, last_active_at`

func pgScanFrame(sc scanner) (*Frame, error) {
	var f Frame
	var extraPortsJSON []byte
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
	if len(extraPortsJSON) > 0 {
		if err := json.Unmarshal(extraPortsJSON, &f.ExtraPorts); err != nil {
			return nil, fmt.Errorf("decode extra_ports: %w", err)
		}
	}
	return &f, nil
}

func (s *PostgresStore) CreateFrame(ctx context.Context, in CreateInput) (*Frame, error) {
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
		INSERT INTO frame_relay_frames (id, name, description, workspace_path, container_id, status, base_port, extra_ports, template_name, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', $5, 0, '[]', '', '', $6, $7)
	`, f.ID, f.Name, f.Description, f.WorkspacePath, f.Status, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		if isPGUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("insert frame: %w", err)
	}
	return f, nil
}

// isPGUniqueViolation matches on the driver's error text rather than
// importing pq.Error, keeping the dependency footprint to the sql/driver
// registration this store actually needs.
func isPGUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "duplicate key value", "unique constraint"))
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (s *PostgresStore) GetFrame(ctx context.Context, id ID) (*Frame, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgFrameColumns+` FROM frame_relay_frames WHERE id = $1`, id)
	f, err := pgScanFrame(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get frame: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) GetFrameByName(ctx context.Context, name string) (*Frame, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgFrameColumns+` FROM frame_relay_frames WHERE name = $1`, name)
	f, err := pgScanFrame(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get frame by name: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFrames(ctx context.Context, status *Status) ([]*Frame, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+pgFrameColumns+` FROM frame_relay_frames WHERE status = $1 ORDER BY created_at DESC`, *status)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+pgFrameColumns+` FROM frame_relay_frames ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var out []*Frame
	for rows.Next() {
		f, err := pgScanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateFrame(ctx context.Context, id ID, upd Update) (*Frame, error) {
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
			SELECT 1 FROM frame_relay_frames WHERE base_port = $1 AND id != $2 AND status != $3 LIMIT 1
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
		UPDATE frame_relay_frames SET status=$1, container_id=$2, error_detail=$3, template_name=$4, base_port=$5, extra_ports=$6, updated_at=$7, last_active_at=$8
		WHERE id=$9
	`, cur.Status, cur.ContainerID, cur.ErrorDetail, cur.TemplateName, cur.BasePort, string(extraPortsJSON), cur.UpdatedAt, nullableTime(cur.LastActiveAt), id)
	if err != nil {
		return nil, fmt.Errorf("update frame: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return cur, nil
}

func (s *PostgresStore) DeleteFrame(ctx context.Context, id ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM frame_relay_frames WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete frame: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetFrameConfig(ctx context.Context, id ID) (*Config, error) {
	if _, err := s.GetFrame(ctx, id); err != nil {
		return nil, err
	}
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, `SELECT config_json FROM frame_relay_configs WHERE frame_id = $1`, id).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return &Config{FrameID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get frame config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("decode frame config: %w", err)
	}
	cfg.FrameID = id
	return &cfg, nil
}

func (s *PostgresStore) UpdateFrameConfig(ctx context.Context, id ID, cfg Config) error {
	if _, err := s.GetFrame(ctx, id); err != nil {
		return err
	}
	cfg.FrameID = id
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode frame config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO frame_relay_configs (frame_id, config_json) VALUES ($1, $2)
		ON CONFLICT (frame_id) DO UPDATE SET config_json = excluded.config_json
	`, id, string(data))
	if err != nil {
		return fmt.Errorf("upsert frame config: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev Event) error {
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
		INSERT INTO frame_relay_events (frame_id, kind, detail_json, ts) VALUES ($1, $2, $3, $4)
	`, ev.FrameID, ev.Kind, detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFrameEvents(ctx context.Context, id ID, limit int) ([]*Event, error) {
	query := `SELECT id, frame_id, kind, detail_json, ts FROM frame_relay_events WHERE frame_id = $1 ORDER BY id DESC`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT $2`
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

func (s *PostgresStore) ListAllocatedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT base_port FROM frame_relay_frames WHERE status != $1 AND base_port != 0`, StatusStopped)
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
