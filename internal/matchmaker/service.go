package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"TonkServer/internal/game/table"
	"TonkServer/internal/utils"
	"TonkServer/internal/websocket"

	"github.com/google/uuid"
)

var (
	ErrInvalidTableSize = fmt.Errorf("table size must be between %d and %d", table.MinPlayers, table.MaxPlayers)
	ErrAlreadyInGame    = errors.New("player already in a game")
	ErrMissingAddress   = errors.New("address is required")
)

type HubBroadcaster interface {
	BroadcastToPlayers(addrs []string, msg websocket.OutgoingMessage)
}

// GameLocator finds a user's live game. storage.Repository satisfies it.
type GameLocator interface {
	ActiveGame(ctx context.Context, userRef string) (*table.Session, error)
}

type Service struct {
	repo      Repo
	playerTTL int // seconds, 用于防止遗留队列
	hub       HubBroadcaster
	games     GameLocator
	// OnRoomReady 成桌时调用，返回新对局的 id
	OnRoomReady func(ctx context.Context, room *Room) (string, error)
}

func NewService(repo Repo, playerTTL int, hub HubBroadcaster, games GameLocator) *Service {
	return &Service{repo: repo, playerTTL: playerTTL, hub: hub, games: games}
}

// Join 入队并尝试立即成桌（随机）。若可成桌，返回房间；否则返回排队中。
func (s *Service) Join(ctx context.Context, req JoinRequest) (*Room, bool, error) {
	if req.TableSize < table.MinPlayers || req.TableSize > table.MaxPlayers {
		return nil, false, ErrInvalidTableSize
	}
	if req.Address == "" {
		return nil, false, ErrMissingAddress
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = shortAddress(req.Address)
	}

	// ❶ 防止重复匹配：检测玩家是否已经在对局中
	if s.games != nil {
		g, err := s.games.ActiveGame(ctx, req.Address)
		switch {
		case err == nil:
			return nil, false, fmt.Errorf("%w: %s", ErrAlreadyInGame, g.ID)
		case !errors.Is(err, table.ErrNotFound):
			return nil, false, err
		}
	}

	if err := s.repo.Enqueue(ctx, req.TableSize, Player{Address: req.Address, Name: name}, s.playerTTL); err != nil {
		return nil, false, err
	}
	cnt, err := s.repo.Count(ctx, req.TableSize)
	if err != nil {
		return nil, false, err
	}
	if int(cnt) < req.TableSize {
		return nil, true, nil // queued
	}
	players, err := s.repo.PopNRandom(ctx, req.TableSize, req.TableSize)
	if err != nil {
		return nil, false, err
	}
	if len(players) < req.TableSize {
		// 并发竞争导致人数不足：回退为排队状态
		return nil, true, nil
	}
	room := &Room{
		ID:        uuid.NewString(),
		TableSize: req.TableSize,
		Players:   players,
		CreatedAt: time.Now().UTC(),
	}

	// ✅ 启动游戏
	if s.OnRoomReady != nil {
		gameID, err := s.OnRoomReady(ctx, room)
		if err != nil {
			utils.Log.Error("start matched game failed", "room", room.ID, "err", err)
			s.requeue(ctx, room)
			return nil, false, err
		}
		room.GameID = gameID
	}

	if saver, ok := s.repo.(interface {
		SaveRoom(context.Context, *Room, int) error
	}); ok {
		if err := saver.SaveRoom(ctx, room, s.playerTTL); err != nil {
			utils.Log.Warn("save room failed", "room", room.ID, "err", err)
		}
	}

	// 通知所有桌内玩家（通过 WebSocket Hub）
	if s.hub != nil {
		s.hub.BroadcastToPlayers(room.Addresses(), websocket.OutgoingMessage{
			Event: websocket.EventMatched,
			Data: map[string]any{
				"roomId":    room.ID,
				"gameId":    room.GameID,
				"tableSize": room.TableSize,
				"players":   room.Players,
			},
		})
	}
	utils.Log.Info("room matched", "room", room.ID, "game", room.GameID, "size", room.TableSize)
	return room, false, nil
}

// requeue 开局失败时把玩家放回池
func (s *Service) requeue(ctx context.Context, room *Room) {
	for _, p := range room.Players {
		if err := s.repo.Enqueue(ctx, room.TableSize, p, s.playerTTL); err != nil {
			utils.Log.Warn("requeue failed", "address", p.Address, "err", err)
		}
	}
}

func (s *Service) Cancel(ctx context.Context, address string) error {
	if address == "" {
		return ErrMissingAddress
	}
	return s.repo.Remove(ctx, address)
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
