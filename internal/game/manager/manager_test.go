package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"TonkServer/internal/game/dealer"
	"TonkServer/internal/game/engine"
	"TonkServer/internal/game/table"
	"TonkServer/internal/matchmaker"
	"TonkServer/internal/storage"
	"TonkServer/internal/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHub 实现 HubInterface，记录消息
type mockHub struct {
	mu        sync.Mutex
	sent      map[string][]websocket.OutgoingMessage
	subs      map[string]map[string]bool
	published []string
}

func newMockHub() *mockHub {
	return &mockHub{
		sent: make(map[string][]websocket.OutgoingMessage),
		subs: make(map[string]map[string]bool),
	}
}

func (h *mockHub) BroadcastToPlayers(addrs []string, msg websocket.OutgoingMessage) {
	for _, a := range addrs {
		h.SendToPlayer(a, msg)
	}
}

func (h *mockHub) SendToPlayer(addr string, msg websocket.OutgoingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent[addr] = append(h.sent[addr], msg)
}

func (h *mockHub) Subscribe(addr, gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[gameID] == nil {
		h.subs[gameID] = make(map[string]bool)
	}
	h.subs[gameID][addr] = true
}

func (h *mockHub) Unsubscribe(addr, gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[gameID], addr)
}

func (h *mockHub) Publish(gameID string, s *table.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, gameID)
}

func (h *mockHub) Close() {}

func (h *mockHub) last(addr string) (websocket.OutgoingMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.sent[addr]
	if len(msgs) == 0 {
		return websocket.OutgoingMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (h *mockHub) subscribed(addr, gameID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs[gameID][addr]
}

func (h *mockHub) publishCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.published)
}

func newTestManager(t *testing.T) (*GameManager, storage.Repository, *mockHub) {
	t.Helper()
	repo := storage.NewMemoryRepo()
	hub := newMockHub()
	m := NewGameManager(repo, engine.NewService(dealer.NewDealer(3)), hub, hub)
	t.Cleanup(m.Close)
	return m, repo, hub
}

// twoPlayerGame 创建并开始一局：Ann(0xA) vs Bo(0xB)
func twoPlayerGame(t *testing.T, m *GameManager) *table.Session {
	t.Helper()
	ctx := context.Background()
	s, err := m.CreateGame(ctx, CreateRequest{Seats: []engine.SeatRequest{{Name: "Ann"}}, UserRef: "0xA"})
	require.NoError(t, err)
	_, _, err = m.JoinGame(ctx, s.RoomCode, "Bo", "0xB")
	require.NoError(t, err)
	started, err := m.StartGame(ctx, s.ID)
	require.NoError(t, err)
	return started
}

// lowHand 让当前玩家手里只剩两张小牌（A 或 2）
func lowHand(t *testing.T, m *GameManager, gameID string) {
	t.Helper()
	e, err := m.runner(context.Background(), gameID)
	require.NoError(t, err)
	_, err = e.Do(context.Background(), func(s *table.Session) (any, error) {
		p := s.Current()
		s.Deck = append(s.Deck, p.Hand...)
		p.Hand = []table.Card{}
		for i := len(s.Deck) - 1; i >= 0 && len(p.Hand) < 2; i-- {
			if table.RankValue(s.Deck[i].Rank) <= 2 {
				p.Hand = append(p.Hand, s.Deck[i])
				s.Deck = table.RemoveAt(s.Deck, i)
			}
		}
		if len(p.Hand) == 0 {
			return nil, table.ErrInvalidArgument
		}
		return nil, nil
	})
	require.NoError(t, err)
}

func TestCreateJoinStart(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.CreateGame(ctx, CreateRequest{
		Seats:    []engine.SeatRequest{{Name: "Ann"}, {Name: "Bot", IsComputer: true}},
		GameName: "Friday",
		UserRef:  "0xA",
	})
	require.NoError(t, err)
	assert.Len(t, s.RoomCode, 6)
	assert.Equal(t, "0xA", s.Players[0].UserRef)

	stored, err := repo.LoadByRoomCode(ctx, s.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)

	after, p, err := m.JoinGame(ctx, s.RoomCode, "Bo", "0xB")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Position)
	assert.Len(t, after.Players, 3)

	_, _, err = m.JoinGame(ctx, s.RoomCode, "Bo again", "0xB")
	assert.ErrorIs(t, err, table.ErrDuplicatePlayer)

	started, err := m.StartGame(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, table.StatusPlaying, started.Status)

	_, err = m.StartGame(ctx, s.ID)
	assert.ErrorIs(t, err, table.ErrGameAlreadyStarted)
	_, _, err = m.JoinGame(ctx, s.RoomCode, "Late", "0xC")
	assert.ErrorIs(t, err, table.ErrGameAlreadyStarted)

	// 已保存
	stored, err = repo.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, table.StatusPlaying, stored.Status)
}

func TestUnknownGame(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.JoinGame(ctx, "NOPE00", "Ann", "")
	assert.ErrorIs(t, err, table.ErrNotFound)
	_, err = m.StartGame(ctx, "missing")
	assert.ErrorIs(t, err, table.ErrNotFound)
	_, err = m.State(ctx, "missing", "")
	assert.ErrorIs(t, err, table.ErrNotFound)
}

func TestRoomCodeCollision(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	taken, err := m.CreateGame(ctx, CreateRequest{Seats: []engine.SeatRequest{{Name: "Ann"}}})
	require.NoError(t, err)

	s, err := m.rules.CreateSession([]engine.SeatRequest{{Name: "Bo"}}, engine.CreateOptions{})
	require.NoError(t, err)
	s.RoomCode = taken.RoomCode
	require.NoError(t, m.assignRoomCode(ctx, s))
	assert.NotEqual(t, taken.RoomCode, s.RoomCode)

	_, err = repo.LoadByRoomCode(ctx, s.RoomCode)
	assert.ErrorIs(t, err, table.ErrNotFound)
}

func TestSubmitMove(t *testing.T) {
	m, _, hub := newTestManager(t)
	ctx := context.Background()
	s := twoPlayerGame(t, m)
	ann, bo := s.Players[0], s.Players[1]

	// 空 playerId 按用户解析座位
	res, err := m.SubmitMove(ctx, s.ID, "0xA", MoveRequest{MoveType: "draw", MoveData: json.RawMessage(`{"source":"deck"}`)})
	require.NoError(t, err)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, table.PhaseAction, res.Session.TurnPhase)
	assert.Len(t, res.Session.Players[0].Hand, 6)

	// 替别人出牌
	_, err = m.SubmitMove(ctx, s.ID, "0xB", MoveRequest{PlayerID: ann.ID, MoveType: "tonk"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.SubmitMove(ctx, s.ID, "0xB", MoveRequest{PlayerID: bo.ID, MoveType: "tonk"})
	assert.ErrorIs(t, err, table.ErrNotYourTurn)

	_, err = m.SubmitMove(ctx, s.ID, "0xC", MoveRequest{MoveType: "drop"})
	assert.ErrorIs(t, err, table.ErrPlayerNotFound)

	_, err = m.SubmitMove(ctx, s.ID, "", MoveRequest{PlayerID: ann.ID, MoveType: "shuffle"})
	assert.ErrorIs(t, err, table.ErrInvalidArgument)

	card := res.Session.Players[0].Hand[0].ID
	res, err = m.SubmitMove(ctx, s.ID, "", MoveRequest{PlayerID: ann.ID, MoveType: "discard", MoveData: json.RawMessage(`{"cardId":"` + card + `"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Session.CurrentPlayerIndex)

	// join + start + draw + discard 都推送了
	assert.GreaterOrEqual(t, hub.publishCount(), 4)
}

func TestGameOverRetiresEngine(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()
	s := twoPlayerGame(t, m)
	lowHand(t, m, s.ID)

	res, err := m.SubmitMove(ctx, s.ID, "0xA", MoveRequest{MoveType: "tonk"})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, table.ReasonTonk, res.Outcome.Reason)
	assert.Equal(t, s.Players[0].ID, res.Outcome.WinnerID)

	m.mu.Lock()
	_, live := m.engines[s.ID]
	m.mu.Unlock()
	assert.False(t, live, "finished games leave the registry")

	// 结束后的状态仍可读取，且所有手牌公开
	v, err := m.State(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, table.StatusGameOver, v.Status)
	assert.NotEmpty(t, v.Players[1].Hand)

	_, err = m.SubmitMove(ctx, s.ID, "0xB", MoveRequest{MoveType: "drop"})
	assert.ErrorIs(t, err, table.ErrGameNotPlaying)

	stored, err := repo.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Players[0].ID, stored.WinnerPlayerID)
	_, err = m.ActiveGame(ctx, "0xA")
	assert.ErrorIs(t, err, table.ErrNotFound)
}

func TestStateHidesOtherHands(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := twoPlayerGame(t, m)

	v, err := m.State(context.Background(), s.ID, "0xB")
	require.NoError(t, err)
	assert.Empty(t, v.Players[0].Hand)
	assert.Equal(t, table.HandSize, v.Players[0].HandCount)
	assert.Len(t, v.Players[1].Hand, table.HandSize)
	assert.True(t, v.Players[1].IsYou)
}

func TestLobbyAndAvailable(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	open, err := m.CreateGame(ctx, CreateRequest{Seats: []engine.SeatRequest{{Name: "Ann"}}, UserRef: "0xA"})
	require.NoError(t, err)
	full, err := m.CreateGame(ctx, CreateRequest{Seats: []engine.SeatRequest{{Name: "Cy"}, {Name: "Di"}}, MaxPlayers: 2})
	require.NoError(t, err)
	twoPlayerGame(t, m)

	info, err := m.Lobby(ctx, open.ID)
	require.NoError(t, err)
	assert.False(t, info.CanStart)
	assert.Len(t, info.Players, 1)

	info, err = m.Lobby(ctx, full.ID)
	require.NoError(t, err)
	assert.True(t, info.CanStart)

	games, err := m.AvailableGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, open.ID, games[0].GameID)
	assert.Equal(t, 1, games[0].CurrentPlayers)
	assert.Equal(t, 4, games[0].MaxPlayers)
	assert.Equal(t, "0xA", games[0].Creator)
}

func TestActiveGame(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := twoPlayerGame(t, m)

	seat, err := m.ActiveGame(ctx, "0xB")
	require.NoError(t, err)
	assert.Equal(t, s.ID, seat.GameID)
	assert.Equal(t, s.Players[1].ID, seat.PlayerID)
	assert.Equal(t, table.StatusPlaying, seat.Status)

	_, err = m.ActiveGame(ctx, "0xNOBODY")
	assert.ErrorIs(t, err, table.ErrNotFound)
	_, err = m.ActiveGame(ctx, "")
	assert.ErrorIs(t, err, table.ErrInvalidArgument)
}

func TestDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetDefaults(3, table.Settings{AllowUnderCardAnyTurn: false})

	s, err := m.CreateGame(context.Background(), CreateRequest{Seats: []engine.SeatRequest{{Name: "Ann"}}})
	require.NoError(t, err)
	assert.Equal(t, 3, s.MaxPlayers)
	assert.False(t, s.Settings.AllowUnderCardAnyTurn)
}

func TestStartMatched(t *testing.T) {
	m, repo, hub := newTestManager(t)
	ctx := context.Background()
	room := &matchmaker.Room{
		ID:        "room-1",
		TableSize: 3,
		Players:   []matchmaker.Player{{Address: "0xA", Name: "Ann"}, {Address: "0xB", Name: "Bo"}, {Address: "0xC", Name: "Cy"}},
		CreatedAt: time.Now(),
	}

	id, err := m.StartMatched(ctx, room)
	require.NoError(t, err)

	s, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, table.StatusPlaying, s.Status)
	assert.Equal(t, 3, s.MaxPlayers)
	for i, p := range room.Players {
		assert.Equal(t, p.Address, s.Players[i].UserRef)
		assert.Equal(t, p.Name, s.Players[i].Name)
		assert.True(t, hub.subscribed(p.Address, id))
	}
	assert.Equal(t, 1, hub.publishCount())

	// 入座后可以直接出牌
	_, err = m.SubmitMove(ctx, id, s.Current().UserRef, MoveRequest{MoveType: "draw", MoveData: json.RawMessage(`{"source":"deck"}`)})
	assert.NoError(t, err)
}

func TestHandlePlayerMessage(t *testing.T) {
	m, _, hub := newTestManager(t)
	s := twoPlayerGame(t, m)

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "0xA", Event: websocket.EventSubscribe, Data: json.RawMessage(`{"gameId":"` + s.ID + `"}`)})
	assert.True(t, hub.subscribed("0xA", s.ID))
	msg, ok := hub.last("0xA")
	require.True(t, ok)
	assert.Equal(t, websocket.EventGameState, msg.Event)
	view := msg.Data.(table.View)
	assert.Len(t, view.Players[0].Hand, table.HandSize)

	// 不是自己的回合
	m.HandlePlayerMessage(websocket.IncomingMessage{From: "0xB", Event: websocket.EventMove, Data: json.RawMessage(`{"gameId":"` + s.ID + `","moveType":"draw","moveData":{"source":"deck"}}`)})
	msg, ok = hub.last("0xB")
	require.True(t, ok)
	assert.Equal(t, websocket.EventError, msg.Event)
	body, _ := json.Marshal(msg.Data)
	assert.Contains(t, string(body), string(table.KindNotYourTurn))

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "0xA", Event: websocket.EventMove, Data: json.RawMessage(`{"gameId":"` + s.ID + `","moveType":"draw","moveData":{"source":"deck"}}`)})
	v, err := m.State(context.Background(), s.ID, "0xA")
	require.NoError(t, err)
	assert.Equal(t, table.PhaseAction, v.TurnPhase)

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "0xA", Event: websocket.EventUnsubscribe, Data: json.RawMessage(`{"gameId":"` + s.ID + `"}`)})
	assert.False(t, hub.subscribed("0xA", s.ID))

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "0xC", Event: websocket.EventSubscribe, Data: json.RawMessage(`{"gameId":"missing"}`)})
	msg, _ = hub.last("0xC")
	assert.Equal(t, websocket.EventError, msg.Event)
	assert.False(t, hub.subscribed("0xC", "missing"))

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "0xD", Event: websocket.EventMove, Data: json.RawMessage(`garbage`)})
	msg, _ = hub.last("0xD")
	assert.Equal(t, websocket.EventError, msg.Event)
}

// 并发首次访问同一局只会创建一个 engine
func TestConcurrentAccessSharesEngine(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := twoPlayerGame(t, m)
	m.Close() // 清空注册表，强制重新加载

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.State(context.Background(), s.ID, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.engines, 1)
}

// 结束的对局被读取后不会留下 engine
func TestFinishedGameReadsRelease(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := twoPlayerGame(t, m)
	lowHand(t, m, s.ID)
	_, err := m.SubmitMove(ctx, s.ID, "0xA", MoveRequest{MoveType: "tonk"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.State(ctx, s.ID, "0xB")
		require.NoError(t, err)
		_, err = m.Lobby(ctx, s.ID)
		require.NoError(t, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.engines)
}

func TestSeatOwnership(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, err := m.CreateGame(ctx, CreateRequest{
		Seats:   []engine.SeatRequest{{Name: "Ann"}, {Name: "Guest"}, {Name: "Bot", IsComputer: true}},
		UserRef: "0xA",
	})
	require.NoError(t, err)
	s, err = m.StartGame(ctx, s.ID)
	require.NoError(t, err)
	guest, bot := s.Players[1].ID, s.Players[2].ID

	drawDiscard := func(user, playerID string) error {
		res, err := m.SubmitMove(ctx, s.ID, user, MoveRequest{PlayerID: playerID, MoveType: "draw", MoveData: json.RawMessage(`{"source":"deck"}`)})
		if err != nil {
			return err
		}
		p, _ := res.Session.Player(playerID)
		if playerID == "" {
			p, _ = res.Session.PlayerByUser(user)
		}
		_, err = m.SubmitMove(ctx, s.ID, user, MoveRequest{PlayerID: p.ID, MoveType: "discard", MoveData: json.RawMessage(`{"cardId":"` + p.Hand[0].ID + `"}`)})
		return err
	}

	require.NoError(t, drawDiscard("0xA", ""))

	// 无主的真人座位不能由别的用户代打
	err = drawDiscard("0xA", guest)
	assert.ErrorIs(t, err, ErrForbidden)
	require.NoError(t, drawDiscard("", guest))

	// 电脑座位可以
	require.NoError(t, drawDiscard("0xA", bot))

	v, err := m.State(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, v.CurrentPlayerIndex)
}

func TestEvictIdle(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := twoPlayerGame(t, m)

	assert.Equal(t, 0, m.EvictIdle(time.Hour))
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, 1, m.EvictIdle(time.Millisecond))

	m.mu.Lock()
	assert.Empty(t, m.engines)
	m.mu.Unlock()

	// 被回收的对局从存储恢复
	v, err := m.State(ctx, s.ID, "0xA")
	require.NoError(t, err)
	assert.Equal(t, table.StatusPlaying, v.Status)
	assert.Len(t, v.Players[0].Hand, table.HandSize)
}

func TestRunJanitorStops(t *testing.T) {
	m, _, _ := newTestManager(t)
	twoPlayerGame(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunJanitor(ctx, time.Millisecond, time.Millisecond)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.engines) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
