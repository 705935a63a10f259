package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"TonkServer/internal/game/table"
	ws "TonkServer/internal/websocket"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockHub 用于捕获 BroadcastToPlayers 的调用并记录每个地址收到的消息
type MockHub struct {
	mu   sync.Mutex
	msgs map[string]ws.OutgoingMessage
}

func NewMockHub() *MockHub {
	return &MockHub{msgs: make(map[string]ws.OutgoingMessage)}
}

func (m *MockHub) BroadcastToPlayers(addrs []string, msg ws.OutgoingMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addrs {
		m.msgs[strings.ToLower(a)] = msg
	}
}

func (m *MockHub) GetMsg(addr string) (ws.OutgoingMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[strings.ToLower(addr)]
	return msg, ok
}

// mockGames 记录哪些地址已经在对局中
type mockGames struct {
	mu     sync.Mutex
	active map[string]string
	err    error
}

func newMockGames() *mockGames {
	return &mockGames{active: make(map[string]string)}
}

func (g *mockGames) ActiveGame(ctx context.Context, userRef string) (*table.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	id, ok := g.active[userRef]
	if !ok {
		return nil, table.ErrNotFound
	}
	return &table.Session{ID: id}, nil
}

// startGames 模拟 GameManager.StartMatched
func startGames(games *mockGames, started *[]*Room) func(context.Context, *Room) (string, error) {
	var mu sync.Mutex
	return func(ctx context.Context, r *Room) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		*started = append(*started, r)
		id := "game-" + r.ID
		games.mu.Lock()
		for _, p := range r.Players {
			games.active[p.Address] = id
		}
		games.mu.Unlock()
		return id, nil
	}
}

func join(t *testing.T, svc *Service, addr string, size int) (*Room, bool) {
	t.Helper()
	room, queued, err := svc.Join(context.Background(), JoinRequest{Address: addr, Name: "n-" + addr, TableSize: size})
	require.NoError(t, err)
	return room, queued
}

func newRedisRepo(t *testing.T) (Repo, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisRepo(rdb), mr
}

func testMatchFlow(t *testing.T, repo Repo) {
	hub := NewMockHub()
	games := newMockGames()
	svc := NewService(repo, 60, hub, games)
	var started []*Room
	svc.OnRoomReady = startGames(games, &started)

	size := 3
	addrs := []string{"0xA", "0xB", "0xC", "0xD", "0xE", "0xF"}

	// 入队前两人，不应成桌
	for i := 0; i < 2; i++ {
		_, queued := join(t, svc, addrs[i], size)
		assert.True(t, queued)
	}

	// 第三人入队，应立即成桌
	room, queued := join(t, svc, addrs[2], size)
	assert.False(t, queued)
	require.NotNil(t, room)
	assert.Len(t, room.Players, size)
	assert.Equal(t, "game-"+room.ID, room.GameID)
	require.Len(t, started, 1)
	assert.ElementsMatch(t, addrs[:3], room.Addresses())
	for _, p := range room.Players {
		assert.Equal(t, "n-"+p.Address, p.Name)
	}

	// 验证 hub 向桌内每个玩家都广播了 matched 消息
	for _, p := range room.Players {
		msg, ok := hub.GetMsg(p.Address)
		require.True(t, ok, "player %s should have received a message", p.Address)
		assert.Equal(t, ws.EventMatched, msg.Event)
		dataBytes, _ := json.Marshal(msg.Data)
		var payload map[string]interface{}
		_ = json.Unmarshal(dataBytes, &payload)
		assert.Equal(t, room.ID, payload["roomId"])
		assert.Equal(t, room.GameID, payload["gameId"])
	}

	// 不同人数的池互不影响
	_, queued = join(t, svc, addrs[3], 2)
	assert.True(t, queued)
	_, queued = join(t, svc, addrs[4], size)
	assert.True(t, queued)
	room2, queued := join(t, svc, addrs[5], 2)
	assert.False(t, queued)
	require.NotNil(t, room2)
	assert.ElementsMatch(t, []string{addrs[3], addrs[5]}, room2.Addresses())

	cnt, err := repo.Count(context.Background(), size)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt)
	cnt, err = repo.Count(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cnt)
}

func TestMemoryRepoMatchFlow(t *testing.T) {
	testMatchFlow(t, NewMemoryRepo())
}

func TestRedisRepoMatchFlow(t *testing.T) {
	repo, mr := newRedisRepo(t)
	testMatchFlow(t, repo)
	assert.NotEmpty(t, mr.Keys(), "rooms are recorded")
}

func TestInvalidTableSize(t *testing.T) {
	svc := NewService(NewMemoryRepo(), 60, NewMockHub(), nil)
	for _, size := range []int{0, 1, 5, 9} {
		_, _, err := svc.Join(context.Background(), JoinRequest{Address: "0xA", TableSize: size})
		assert.ErrorIs(t, err, ErrInvalidTableSize, "size %d", size)
	}
	_, _, err := svc.Join(context.Background(), JoinRequest{TableSize: 2})
	assert.ErrorIs(t, err, ErrMissingAddress)
}

func TestCancelLeavesPool(t *testing.T) {
	for name, repo := range map[string]Repo{"memory": NewMemoryRepo(), "redis": func() Repo { r, _ := newRedisRepo(t); return r }()} {
		t.Run(name, func(t *testing.T) {
			svc := NewService(repo, 60, NewMockHub(), nil)
			_, queued := join(t, svc, "0xA", 2)
			assert.True(t, queued)
			require.NoError(t, svc.Cancel(context.Background(), "0xA"))
			require.NoError(t, svc.Cancel(context.Background(), "0xNEVER"))

			_, queued = join(t, svc, "0xB", 2)
			assert.True(t, queued, "cancelled player must not be matched")
			cnt, err := repo.Count(context.Background(), 2)
			require.NoError(t, err)
			assert.Equal(t, int64(1), cnt)
		})
	}
}

func TestRejoinMovesPool(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, 60, NewMockHub(), nil)
	join(t, svc, "0xA", 3)
	join(t, svc, "0xA", 2)

	cnt, _ := repo.Count(context.Background(), 3)
	assert.Equal(t, int64(0), cnt)
	cnt, _ = repo.Count(context.Background(), 2)
	assert.Equal(t, int64(1), cnt)
}

// ---------- 玩家重复匹配保护测试 ----------
func TestPlayerCannotRejoinWhenAlreadyInGame(t *testing.T) {
	repo, _ := newRedisRepo(t)
	games := newMockGames()
	svc := NewService(repo, 60, NewMockHub(), games)
	var started []*Room
	svc.OnRoomReady = startGames(games, &started)

	join(t, svc, "0xAAA", 2)
	room, queued := join(t, svc, "0xBBB", 2)
	assert.False(t, queued)
	require.NotNil(t, room)

	// 🛑 a1 再次匹配 -> 应被拒绝
	_, _, err := svc.Join(context.Background(), JoinRequest{Address: "0xAAA", TableSize: 2})
	assert.ErrorIs(t, err, ErrAlreadyInGame)
	assert.Contains(t, err.Error(), room.GameID)

	// 🟡 模拟对局结束
	games.mu.Lock()
	delete(games.active, "0xAAA")
	games.mu.Unlock()

	_, queued = join(t, svc, "0xAAA", 2)
	assert.True(t, queued, "player should rejoin after the game ended")
}

func TestLocatorFailureIsReported(t *testing.T) {
	games := newMockGames()
	games.err = table.StorageError("load user", errors.New("boom"))
	svc := NewService(NewMemoryRepo(), 60, NewMockHub(), games)

	_, _, err := svc.Join(context.Background(), JoinRequest{Address: "0xA", TableSize: 2})
	assert.ErrorIs(t, err, table.ErrStorage)
}

func TestRoomReadyFailureRequeues(t *testing.T) {
	repo := NewMemoryRepo()
	hub := NewMockHub()
	svc := NewService(repo, 60, hub, nil)
	svc.OnRoomReady = func(ctx context.Context, r *Room) (string, error) {
		return "", errors.New("no engine")
	}

	join(t, svc, "0xA", 2)
	_, _, err := svc.Join(context.Background(), JoinRequest{Address: "0xB", TableSize: 2})
	assert.Error(t, err)

	cnt, _ := repo.Count(context.Background(), 2)
	assert.Equal(t, int64(2), cnt, "players go back to the pool")
	_, ok := hub.GetMsg("0xA")
	assert.False(t, ok, "no matched event on failure")
}

// ---------- 并发竞争测试 ----------
func TestRedisRepoConcurrentJoins(t *testing.T) {
	repo, _ := newRedisRepo(t)
	games := newMockGames()
	svc := NewService(repo, 60, NewMockHub(), games)
	var started []*Room
	svc.OnRoomReady = startGames(games, &started)

	size := 3
	addrs := []string{"0xA", "0xB", "0xC", "0xD", "0xE", "0xF"}

	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			_, _, _ = svc.Join(context.Background(), JoinRequest{Address: addr, TableSize: size})
		}(a)
	}
	wg.Wait()

	// 所有人要么已入座，要么还在池里，不会丢人
	cnt, err := repo.Count(context.Background(), size)
	require.NoError(t, err)
	seated := 0
	for _, r := range started {
		seated += len(r.Players)
	}
	assert.Equal(t, len(addrs), seated+int(cnt))
}

// Test_RedisRepo_QueueLifecycle 验证 Redis 队列创建与删除的完整生命周期
func TestRedisRepoQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	repo, mr := newRedisRepo(t)

	tableSize := 2
	p1, p2 := Player{Address: "0xAAA", Name: "A"}, Player{Address: "0xBBB", Name: "B"}
	key := poolKey(tableSize)

	// 🟢 Step 1: 玩家1 入队 -> 集合应创建
	require.NoError(t, repo.Enqueue(ctx, tableSize, p1, 60))
	assert.True(t, mr.Exists(key), "pool should exist after first enqueue")
	name, err := mr.Get(nameKey(p1.Address))
	require.NoError(t, err)
	assert.Equal(t, "A", name)

	// 🟢 Step 2: 玩家2 入队 -> 人数 = 2
	require.NoError(t, repo.Enqueue(ctx, tableSize, p2, 60))
	count, err := repo.Count(ctx, tableSize)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "pool should contain 2 players")

	// 🟢 Step 3: PopNRandom 取出 2 人 -> 集合应被清空删除
	got, err := repo.PopNRandom(ctx, tableSize, tableSize)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Player{p1, p2}, got)
	assert.False(t, mr.Exists(key), "pool key should be deleted after PopNRandom")
	assert.False(t, mr.Exists(playerKey(p1.Address)))

	// 人数不够时不弹出
	require.NoError(t, repo.Enqueue(ctx, tableSize, p1, 60))
	got, err = repo.PopNRandom(ctx, tableSize, tableSize)
	require.NoError(t, err)
	assert.Empty(t, got)

	// 🟢 Step 4: 取消 -> 集合为空应被自动删除
	require.NoError(t, repo.Remove(ctx, p1.Address))
	assert.False(t, mr.Exists(key), "pool key should be removed when empty after cancel")

	// 🟢 Step 5: TTL 过期后 player key 消失，pool 仍在
	require.NoError(t, repo.Enqueue(ctx, tableSize, p1, 1))
	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists(playerKey(p1.Address)))
	assert.True(t, mr.Exists(key), "pool should still exist after player TTL expired")
}
