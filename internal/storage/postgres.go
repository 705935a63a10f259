package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"TonkServer/internal/game/table"

	_ "github.com/lib/pq"
)

// OpenPostgres opens a pool and pings the server.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tonk_games (
	id          TEXT PRIMARY KEY,
	room_code   TEXT UNIQUE NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	max_players INTEGER NOT NULL,
	creator_ref TEXT NOT NULL DEFAULT '',
	state       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tonk_games_status_idx ON tonk_games (status);
CREATE TABLE IF NOT EXISTS tonk_game_players (
	game_id   TEXT NOT NULL REFERENCES tonk_games (id) ON DELETE CASCADE,
	player_id TEXT NOT NULL,
	user_ref  TEXT NOT NULL,
	position  INTEGER NOT NULL,
	PRIMARY KEY (game_id, player_id)
);
CREATE INDEX IF NOT EXISTS tonk_game_players_user_idx ON tonk_game_players (user_ref);
`

// PostgresRepo stores the encoded session in a JSONB column next to the columns
// the lobby and user queries filter on.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Migrate creates the tables when missing.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (r *PostgresRepo) loadWhere(ctx context.Context, what, key, query string, args ...any) (*table.Session, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(what, key)
	}
	if err != nil {
		return nil, table.StorageError("load "+what, err)
	}
	s, err := DecodeSession(data)
	if err != nil {
		return nil, table.StorageError("load "+what, err)
	}
	return s, nil
}

func (r *PostgresRepo) Load(ctx context.Context, id string) (*table.Session, error) {
	return r.loadWhere(ctx, "game", id, `SELECT state FROM tonk_games WHERE id = $1`, id)
}

func (r *PostgresRepo) LoadByRoomCode(ctx context.Context, code string) (*table.Session, error) {
	return r.loadWhere(ctx, "room", code, `SELECT state FROM tonk_games WHERE room_code = $1`, strings.ToUpper(code))
}

func (r *PostgresRepo) Save(ctx context.Context, s *table.Session) error {
	data, err := EncodeSession(s)
	if err != nil {
		return table.StorageError("save game", err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return table.StorageError("save game", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tonk_games (id, room_code, name, status, max_players, creator_ref, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			max_players = EXCLUDED.max_players,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.RoomCode, s.Name, string(s.Status), s.MaxPlayers, s.CreatorRef, data, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return table.StorageError("save game", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tonk_game_players WHERE game_id = $1`, s.ID); err != nil {
		return table.StorageError("save seats", err)
	}
	for _, p := range s.Players {
		if p.UserRef == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tonk_game_players (game_id, player_id, user_ref, position) VALUES ($1, $2, $3, $4)`,
			s.ID, p.ID, p.UserRef, p.Position)
		if err != nil {
			return table.StorageError("save seats", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return table.StorageError("save game", err)
	}
	return nil
}

func (r *PostgresRepo) ListLobby(ctx context.Context) ([]*table.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state FROM tonk_games WHERE status = $1 ORDER BY created_at, id`, string(table.StatusLobby))
	if err != nil {
		return nil, table.StorageError("list lobby", err)
	}
	defer rows.Close()

	out := make([]*table.Session, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, table.StorageError("list lobby", err)
		}
		s, err := DecodeSession(data)
		if err != nil {
			return nil, table.StorageError("list lobby", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, table.StorageError("list lobby", err)
	}
	return out, nil
}

func (r *PostgresRepo) ActiveGame(ctx context.Context, userRef string) (*table.Session, error) {
	return r.loadWhere(ctx, "active game for", userRef, `
		SELECT g.state FROM tonk_games g
		JOIN tonk_game_players p ON p.game_id = g.id
		WHERE p.user_ref = $1 AND g.status IN ($2, $3)
		ORDER BY g.updated_at DESC
		LIMIT 1`,
		userRef, string(table.StatusLobby), string(table.StatusPlaying))
}
