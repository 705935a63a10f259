package storage

import (
	"context"

	"TonkServer/internal/game/table"
)

// Repository persists sessions. Load returns table.ErrNotFound when the game is unknown,
// and every backend failure is a table.ErrStorage.
type Repository interface {
	Load(ctx context.Context, id string) (*table.Session, error)
	LoadByRoomCode(ctx context.Context, code string) (*table.Session, error)
	Save(ctx context.Context, s *table.Session) error
	// ListLobby returns every game still waiting in the lobby, oldest first.
	ListLobby(ctx context.Context) ([]*table.Session, error)
	// ActiveGame returns the lobby or playing game that seats userRef.
	ActiveGame(ctx context.Context, userRef string) (*table.Session, error)
}

func notFound(what, key string) error {
	return table.Errorf(table.KindNotFound, "%s %s not found", what, key)
}

// live 未结束的对局
func live(s *table.Session) bool {
	return s.Status == table.StatusLobby || s.Status == table.StatusPlaying
}
