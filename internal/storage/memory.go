package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"TonkServer/internal/game/table"
)

// memRepo keeps encoded copies so callers never share memory with the store.
type memRepo struct {
	mu    sync.RWMutex
	games map[string][]byte // id -> encoded session
	rooms map[string]string // room code -> id
}

func NewMemoryRepo() Repository {
	return &memRepo{
		games: make(map[string][]byte),
		rooms: make(map[string]string),
	}
}

func (m *memRepo) Load(ctx context.Context, id string) (*table.Session, error) {
	m.mu.RLock()
	data, ok := m.games[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("game", id)
	}
	s, err := DecodeSession(data)
	if err != nil {
		return nil, table.StorageError("load game", err)
	}
	return s, nil
}

func (m *memRepo) LoadByRoomCode(ctx context.Context, code string) (*table.Session, error) {
	m.mu.RLock()
	id, ok := m.rooms[strings.ToUpper(code)]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("room", code)
	}
	return m.Load(ctx, id)
}

func (m *memRepo) Save(ctx context.Context, s *table.Session) error {
	data, err := EncodeSession(s)
	if err != nil {
		return table.StorageError("save game", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[s.ID] = data
	if s.RoomCode != "" {
		m.rooms[s.RoomCode] = s.ID
	}
	return nil
}

func (m *memRepo) all() ([]*table.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*table.Session, 0, len(m.games))
	for _, data := range m.games {
		s, err := DecodeSession(data)
		if err != nil {
			return nil, table.StorageError("scan games", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memRepo) ListLobby(ctx context.Context) ([]*table.Session, error) {
	games, err := m.all()
	if err != nil {
		return nil, err
	}
	lobby := make([]*table.Session, 0)
	for _, s := range games {
		if s.Status == table.StatusLobby {
			lobby = append(lobby, s)
		}
	}
	sortByCreated(lobby)
	return lobby, nil
}

func (m *memRepo) ActiveGame(ctx context.Context, userRef string) (*table.Session, error) {
	games, err := m.all()
	if err != nil {
		return nil, err
	}
	var found *table.Session
	for _, s := range games {
		if !live(s) {
			continue
		}
		if _, ok := s.PlayerByUser(userRef); !ok {
			continue
		}
		if found == nil || s.UpdatedAt.After(found.UpdatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, notFound("active game for", userRef)
	}
	return found, nil
}

func sortByCreated(games []*table.Session) {
	sort.SliceStable(games, func(i, j int) bool {
		if games[i].CreatedAt.Equal(games[j].CreatedAt) {
			return games[i].ID < games[j].ID
		}
		return games[i].CreatedAt.Before(games[j].CreatedAt)
	})
}
