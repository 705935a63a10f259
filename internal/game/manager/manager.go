package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"TonkServer/internal/game/engine"
	"TonkServer/internal/game/table"
	"TonkServer/internal/matchmaker"
	"TonkServer/internal/storage"
	"TonkServer/internal/utils"
	"TonkServer/internal/websocket"

	"github.com/google/uuid"
)

// ErrForbidden is returned when a caller acts for a seat held by another user.
var ErrForbidden = errors.New("seat belongs to another user")

const roomCodeAttempts = 8

// GameManager 管理所有对局
type GameManager struct {
	repo     storage.Repository
	rules    *engine.Service
	notifier engine.Notifier
	hub      websocket.HubInterface

	defaultMax      int
	defaultSettings *table.Settings

	mu      sync.Mutex
	engines map[string]*engine.Engine // gameID → engine
}

// NewGameManager wires the manager. notifier receives every saved state and hub,
// when set, serves WebSocket subscriptions.
func NewGameManager(repo storage.Repository, rules *engine.Service, notifier engine.Notifier, hub websocket.HubInterface) *GameManager {
	return &GameManager{
		repo:     repo,
		rules:    rules,
		notifier: notifier,
		hub:      hub,
		engines:  make(map[string]*engine.Engine),
	}
}

// SetDefaults applies to lobbies created without explicit seats limit or settings.
func (m *GameManager) SetDefaults(maxPlayers int, settings table.Settings) {
	m.defaultMax = maxPlayers
	m.defaultSettings = &settings
}

// CreateRequest describes a new lobby.
type CreateRequest struct {
	Seats      []engine.SeatRequest
	GameName   string
	UserRef    string
	MaxPlayers int
	Settings   *table.Settings
}

// Seat identifies the caller's place in a game.
type Seat struct {
	GameID   string `json:"gameId"`
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
}

// CreateGame stores a new lobby with a unique room code.
func (m *GameManager) CreateGame(ctx context.Context, req CreateRequest) (*table.Session, error) {
	opts := engine.CreateOptions{
		Name:       req.GameName,
		CreatorRef: req.UserRef,
		MaxPlayers: req.MaxPlayers,
		Settings:   req.Settings,
	}
	if opts.MaxPlayers == 0 {
		opts.MaxPlayers = m.defaultMax
	}
	if opts.Settings == nil {
		opts.Settings = m.defaultSettings
	}
	s, err := m.rules.CreateSession(req.Seats, opts)
	if err != nil {
		return nil, err
	}
	if err := m.assignRoomCode(ctx, s); err != nil {
		return nil, err
	}
	if err := m.repo.Save(ctx, s); err != nil {
		return nil, err
	}
	utils.Log.Info("game created", "game", s.ID, "room", s.RoomCode, "players", len(s.Players))
	return s, nil
}

func (m *GameManager) assignRoomCode(ctx context.Context, s *table.Session) error {
	for i := 0; i < roomCodeAttempts; i++ {
		_, err := m.repo.LoadByRoomCode(ctx, s.RoomCode)
		if errors.Is(err, table.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// 房间号冲突，重新生成
		s.RoomCode = engine.RoomCode(uuid.NewString())
	}
	return table.StorageError("assign room code", fmt.Errorf("no free code after %d attempts", roomCodeAttempts))
}

// JoinGame seats a player in the lobby identified by roomCode.
func (m *GameManager) JoinGame(ctx context.Context, roomCode, name, userRef string) (*table.Session, *table.Player, error) {
	found, err := m.repo.LoadByRoomCode(ctx, roomCode)
	if err != nil {
		return nil, nil, err
	}
	var (
		snap   *table.Session
		player table.Player
	)
	err = m.withEngine(ctx, found.ID, func(e *engine.Engine) error {
		_, err := e.Do(ctx, func(s *table.Session) (any, error) {
			p, err := m.rules.Join(s, name, userRef)
			if err != nil {
				return nil, err
			}
			player = *p
			snap = s.Clone()
			return nil, nil
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	utils.Log.Info("player joined", "game", snap.ID, "player", player.ID, "name", player.Name)
	return snap, &player, nil
}

// StartGame deals and moves the lobby into play.
func (m *GameManager) StartGame(ctx context.Context, gameID string) (*table.Session, error) {
	var snap *table.Session
	err := m.withEngine(ctx, gameID, func(e *engine.Engine) error {
		_, err := e.Do(ctx, func(s *table.Session) (any, error) {
			if err := m.rules.Start(s); err != nil {
				return nil, err
			}
			snap = s.Clone()
			return nil, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	utils.Log.Info("game started", "game", gameID, "players", len(snap.Players))
	return snap, nil
}

// MoveRequest is the wire shape of one move.
type MoveRequest struct {
	PlayerID string          `json:"playerId"`
	MoveType string          `json:"moveType" binding:"required"`
	MoveData json.RawMessage `json:"moveData"`
}

// MoveResult reports the state after an accepted move.
type MoveResult struct {
	Outcome *engine.Outcome
	Session *table.Session
}

// SubmitMove applies one move for the player. With a non-empty userRef the seat must
// belong to that user, and an empty PlayerID resolves to the user's seat.
func (m *GameManager) SubmitMove(ctx context.Context, gameID, userRef string, req MoveRequest) (*MoveResult, error) {
	mv, err := engine.DecodeMove(req.MoveType, req.MoveData)
	if err != nil {
		return nil, err
	}
	var res MoveResult
	err = m.withEngine(ctx, gameID, func(e *engine.Engine) error {
		_, err := e.Do(ctx, func(s *table.Session) (any, error) {
			playerID, err := resolveSeat(s, req.PlayerID, userRef)
			if err != nil {
				return nil, err
			}
			out, err := m.rules.ApplyMove(s, playerID, mv)
			if err != nil {
				return nil, err
			}
			res.Outcome = out
			res.Session = s.Clone()
			return nil, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome != nil {
		utils.Log.Info("game over", "game", gameID, "winner", res.Outcome.WinnerID, "reason", res.Outcome.Reason)
	}
	return &res, nil
}

func resolveSeat(s *table.Session, playerID, userRef string) (string, error) {
	if playerID == "" {
		p, ok := s.PlayerByUser(userRef)
		if !ok {
			return "", table.Errorf(table.KindPlayerNotFound, "no seat for %q", userRef)
		}
		return p.ID, nil
	}
	if userRef == "" {
		return playerID, nil
	}
	p, ok := s.Player(playerID)
	if !ok {
		return playerID, nil
	}
	// 没有归属的座位只有电脑玩家可以代为出牌
	if p.UserRef != userRef && (p.UserRef != "" || !p.IsComputer) {
		return "", ErrForbidden
	}
	return playerID, nil
}

// State returns the session as seen by viewerRef.
func (m *GameManager) State(ctx context.Context, gameID, viewerRef string) (table.View, error) {
	s, err := m.snapshot(ctx, gameID)
	if err != nil {
		return table.View{}, err
	}
	return table.ViewFor(s, viewerRef), nil
}

// LobbyPlayer is a seat without cards.
type LobbyPlayer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsComputer bool   `json:"isComputer"`
	IsOnline   bool   `json:"isOnline"`
	Position   int    `json:"position"`
}

type LobbyInfo struct {
	GameID     string        `json:"gameId"`
	RoomCode   string        `json:"roomCode"`
	GameName   string        `json:"gameName"`
	Status     table.Status  `json:"status"`
	Players    []LobbyPlayer `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
	CanStart   bool          `json:"canStart"`
}

func (m *GameManager) Lobby(ctx context.Context, gameID string) (*LobbyInfo, error) {
	s, err := m.snapshot(ctx, gameID)
	if err != nil {
		return nil, err
	}
	info := &LobbyInfo{
		GameID:     s.ID,
		RoomCode:   s.RoomCode,
		GameName:   s.Name,
		Status:     s.Status,
		Players:    make([]LobbyPlayer, len(s.Players)),
		MaxPlayers: s.MaxPlayers,
		CanStart:   s.Status == table.StatusLobby && len(s.Players) >= table.MinPlayers,
	}
	for i, p := range s.Players {
		info.Players[i] = LobbyPlayer{ID: p.ID, Name: p.Name, IsComputer: p.IsComputer, IsOnline: p.IsOnline, Position: p.Position}
	}
	return info, nil
}

// GameSummary is one entry of the open game list.
type GameSummary struct {
	GameID         string    `json:"gameId"`
	RoomCode       string    `json:"roomCode"`
	GameName       string    `json:"gameName"`
	CurrentPlayers int       `json:"currentPlayers"`
	MaxPlayers     int       `json:"maxPlayers"`
	Creator        string    `json:"creator,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AvailableGames lists lobbies that still have a free seat.
func (m *GameManager) AvailableGames(ctx context.Context) ([]GameSummary, error) {
	lobby, err := m.repo.ListLobby(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GameSummary, 0, len(lobby))
	for _, s := range lobby {
		if len(s.Players) >= s.MaxPlayers {
			continue
		}
		out = append(out, GameSummary{
			GameID:         s.ID,
			RoomCode:       s.RoomCode,
			GameName:       s.Name,
			CurrentPlayers: len(s.Players),
			MaxPlayers:     s.MaxPlayers,
			Creator:        s.CreatorRef,
			CreatedAt:      s.CreatedAt,
		})
	}
	return out, nil
}

// ActiveSeat is the caller's live game.
type ActiveSeat struct {
	Seat
	Status table.Status `json:"gameStatus"`
}

func (m *GameManager) ActiveGame(ctx context.Context, userRef string) (*ActiveSeat, error) {
	if userRef == "" {
		return nil, table.Errorf(table.KindInvalidArgument, "user is required")
	}
	s, err := m.repo.ActiveGame(ctx, userRef)
	if err != nil {
		return nil, err
	}
	p, ok := s.PlayerByUser(userRef)
	if !ok {
		return nil, table.Errorf(table.KindNotFound, "no active game for %s", userRef)
	}
	return &ActiveSeat{
		Seat:   Seat{GameID: s.ID, RoomCode: s.RoomCode, PlayerID: p.ID},
		Status: s.Status,
	}, nil
}

// StartMatched seats a matched room into a fresh game and starts it.
func (m *GameManager) StartMatched(ctx context.Context, room *matchmaker.Room) (string, error) {
	seats := make([]engine.SeatRequest, len(room.Players))
	for i, p := range room.Players {
		seats[i] = engine.SeatRequest{Name: p.Name, UserRef: p.Address}
	}
	s, err := m.rules.CreateSession(seats, engine.CreateOptions{
		Name:       "Quick match",
		MaxPlayers: room.TableSize,
		Settings:   m.defaultSettings,
	})
	if err != nil {
		return "", err
	}
	if err := m.assignRoomCode(ctx, s); err != nil {
		return "", err
	}
	if err := m.rules.Start(s); err != nil {
		return "", err
	}
	if err := m.repo.Save(ctx, s); err != nil {
		return "", err
	}
	if m.hub != nil {
		for _, p := range room.Players {
			m.hub.Subscribe(p.Address, s.ID)
		}
	}
	if m.notifier != nil {
		m.notifier.Publish(s.ID, s.Clone())
	}
	utils.Log.Info("matched game started", "game", s.ID, "room", room.ID, "players", len(seats))
	return s.ID, nil
}

// ---------------------
//   ENGINE REGISTRY
// ---------------------

// runner returns the live engine for gameID, loading the session on first use.
func (m *GameManager) runner(ctx context.Context, gameID string) (*engine.Engine, error) {
	m.mu.Lock()
	e, ok := m.engines[gameID]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	s, err := m.repo.Load(ctx, gameID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 并发加载时只保留第一个
	if e, ok := m.engines[gameID]; ok {
		return e, nil
	}
	e = engine.NewEngine(s, m.repo, m.notifier)
	m.engines[gameID] = e
	return e, nil
}

// withEngine runs fn on the game's runner, retrying once if the runner was retired meanwhile.
// A runner whose game is over leaves the registry afterwards.
func (m *GameManager) withEngine(ctx context.Context, gameID string, fn func(*engine.Engine) error) error {
	for attempt := 0; ; attempt++ {
		e, err := m.runner(ctx, gameID)
		if err != nil {
			return err
		}
		err = fn(e)
		if errors.Is(err, engine.ErrClosed) && attempt == 0 {
			continue
		}
		if e.Over() {
			m.retire(gameID, e)
		}
		return err
	}
}

func (m *GameManager) snapshot(ctx context.Context, gameID string) (*table.Session, error) {
	var snap *table.Session
	err := m.withEngine(ctx, gameID, func(e *engine.Engine) error {
		s, err := e.Snapshot(ctx)
		snap = s
		return err
	})
	return snap, err
}

// retire 释放 engine，状态已经保存
func (m *GameManager) retire(gameID string, e *engine.Engine) {
	m.mu.Lock()
	cur, ok := m.engines[gameID]
	if ok && cur == e {
		delete(m.engines, gameID)
	}
	m.mu.Unlock()
	if ok && cur == e {
		go e.Close()
	}
}

// EvictIdle retires runners unused for longer than idle and returns how many.
// Their games reload from the repository on the next request.
func (m *GameManager) EvictIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	m.mu.Lock()
	var stale []*engine.Engine
	for id, e := range m.engines {
		if e.LastUsed().Before(cutoff) {
			stale = append(stale, e)
			delete(m.engines, id)
		}
	}
	m.mu.Unlock()
	for _, e := range stale {
		e.Close()
	}
	if len(stale) > 0 {
		utils.Log.Debug("idle games evicted", "count", len(stale))
	}
	return len(stale)
}

// RunJanitor evicts idle runners every interval until ctx ends.
func (m *GameManager) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(idle)
		}
	}
}

// Warmup checks that the repository answers.
func (m *GameManager) Warmup(ctx context.Context) error {
	_, err := m.repo.ListLobby(ctx)
	return err
}

// Close stops every runner.
func (m *GameManager) Close() {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*engine.Engine)
	m.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}

// ---------------------
//   WEBSOCKET ENTRY
// ---------------------

type gameRef struct {
	GameID string `json:"gameId"`
}

type wsMove struct {
	GameID string `json:"gameId"`
	MoveRequest
}

// HandlePlayerMessage 统一入口（来自 Hub.OnIncoming）
func (m *GameManager) HandlePlayerMessage(msg websocket.IncomingMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Event {

	case websocket.EventSubscribe:
		var ref gameRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.GameID == "" {
			m.sendError(msg.From, table.Errorf(table.KindInvalidArgument, "gameId is required"))
			return
		}
		view, err := m.State(ctx, ref.GameID, msg.From)
		if err != nil {
			m.sendError(msg.From, err)
			return
		}
		m.hub.Subscribe(msg.From, ref.GameID)
		m.hub.SendToPlayer(msg.From, websocket.OutgoingMessage{Event: websocket.EventGameState, Data: view})

	case websocket.EventUnsubscribe:
		var ref gameRef
		if err := json.Unmarshal(msg.Data, &ref); err == nil {
			m.hub.Unsubscribe(msg.From, ref.GameID)
		}

	case websocket.EventMove:
		var mv wsMove
		if err := json.Unmarshal(msg.Data, &mv); err != nil || mv.GameID == "" {
			m.sendError(msg.From, table.Errorf(table.KindInvalidArgument, "gameId and moveType are required"))
			return
		}
		// 状态通过订阅推送，这里只回报错误
		if _, err := m.SubmitMove(ctx, mv.GameID, msg.From, mv.MoveRequest); err != nil {
			m.sendError(msg.From, err)
		}

	default:
		utils.Log.Warn("unknown ws event", "from", msg.From, "event", msg.Event)
	}
}

func (m *GameManager) sendError(addr string, err error) {
	if m.hub == nil {
		return
	}
	status, body := errorBody(err)
	if status >= 500 {
		utils.Log.Error("ws request failed", "address", addr, "err", err)
	}
	m.hub.SendToPlayer(addr, websocket.OutgoingMessage{Event: websocket.EventError, Data: body})
}
