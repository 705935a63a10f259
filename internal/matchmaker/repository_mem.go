package matchmaker

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type memRepo struct {
	mu      sync.Mutex
	pools   map[int]map[string]string // tableSize -> address -> name
	players map[string]int            // address -> tableSize
	rnd     *rand.Rand
}

func NewMemoryRepo() Repo {
	return &memRepo{
		pools:   make(map[int]map[string]string),
		players: make(map[string]int),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *memRepo) Enqueue(ctx context.Context, tableSize int, p Player, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// 换池时先离开旧池
	if old, ok := m.players[p.Address]; ok && old != tableSize {
		delete(m.pools[old], p.Address)
	}
	if _, ok := m.pools[tableSize]; !ok {
		m.pools[tableSize] = make(map[string]string)
	}
	m.pools[tableSize][p.Address] = p.Name
	m.players[p.Address] = tableSize
	// 简单忽略 TTL，内存版仅供单机使用
	return nil
}

func (m *memRepo) PopNRandom(ctx context.Context, tableSize int, n int) ([]Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pools[tableSize]
	if !ok || len(s) < n {
		return []Player{}, nil
	}

	addrs := make([]string, 0, len(s))
	for a := range s {
		addrs = append(addrs, a)
	}
	m.rnd.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	chosen := make([]Player, 0, n)
	for _, a := range addrs[:n] {
		chosen = append(chosen, Player{Address: a, Name: s[a]})
		delete(s, a)
		delete(m.players, a)
	}
	if len(s) == 0 {
		delete(m.pools, tableSize)
	}
	return chosen, nil
}

func (m *memRepo) Remove(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.players[address]
	if !ok {
		return nil
	}
	if s, ok := m.pools[size]; ok {
		delete(s, address)
		if len(s) == 0 {
			delete(m.pools, size)
		}
	}
	delete(m.players, address)
	return nil
}

func (m *memRepo) Count(ctx context.Context, tableSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pools[tableSize])), nil
}
