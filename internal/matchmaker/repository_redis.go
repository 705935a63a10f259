package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisRepo struct {
	rdb *redis.Client
}

func NewRedisRepo(rdb *redis.Client) Repo {
	return &redisRepo{rdb: rdb}
}

// key 约定：
//
//	set: mm:pool:{tableSize}      -> Set(address,...)
//	kv : mm:player:{address}      -> tableSize (便于取消时定位池)
//	kv : mm:name:{address}        -> display name
//	ttl 辅助: 对 player/name key 设置 TTL，避免长期遗留
func poolKey(tableSize int) string {
	return fmt.Sprintf("mm:pool:%d", tableSize)
}
func playerKey(addr string) string {
	return fmt.Sprintf("mm:player:%s", addr)
}
func nameKey(addr string) string {
	return fmt.Sprintf("mm:name:%s", addr)
}
func roomKey(id string) string {
	return fmt.Sprintf("mm:room:%s", id)
}

// Lua 脚本：删除 playerKey、从集合中移除成员；若集合空则删除集合
// KEYS[1] = playerKey, KEYS[2] = poolKey, KEYS[3] = nameKey, ARGV[1] = address
var removeScript = redis.NewScript(`
	redis.call("DEL", KEYS[1], KEYS[3])
	redis.call("SREM", KEYS[2], ARGV[1])
	if redis.call("SCARD", KEYS[2]) == 0 then
		redis.call("DEL", KEYS[2])
	end
	return 1
`)

func (r *redisRepo) Enqueue(ctx context.Context, tableSize int, pl Player, ttlSeconds int) error {
	// 换池时先离开旧池
	if err := r.Remove(ctx, pl.Address); err != nil {
		return err
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	p := r.rdb.Pipeline()
	p.SAdd(ctx, poolKey(tableSize), pl.Address)
	p.Set(ctx, playerKey(pl.Address), tableSize, ttl)
	p.Set(ctx, nameKey(pl.Address), pl.Name, ttl)
	_, err := p.Exec(ctx)
	return err
}

func (r *redisRepo) PopNRandom(ctx context.Context, tableSize int, n int) ([]Player, error) {
	count, err := r.Count(ctx, tableSize)
	if err != nil {
		return nil, err
	}
	if int(count) < n {
		return []Player{}, nil
	}
	// SPOP COUNT 一次随机弹出 n 个元素并从集合删除（原子）
	addrs, err := r.rdb.SPopN(ctx, poolKey(tableSize), int64(n)).Result()
	if err != nil {
		return nil, err
	}
	if len(addrs) < n {
		// 并发竞争导致人数不足，放回
		if len(addrs) > 0 {
			members := make([]any, len(addrs))
			for i, a := range addrs {
				members[i] = a
			}
			r.rdb.SAdd(ctx, poolKey(tableSize), members...)
		}
		return []Player{}, nil
	}

	p := r.rdb.Pipeline()
	names := make([]*redis.StringCmd, len(addrs))
	for i, addr := range addrs {
		names[i] = p.Get(ctx, nameKey(addr))
		p.Del(ctx, playerKey(addr), nameKey(addr))
	}
	// 名字缺失不算错误
	_, _ = p.Exec(ctx)

	out := make([]Player, len(addrs))
	for i, addr := range addrs {
		out[i] = Player{Address: addr, Name: names[i].Val()}
	}
	return out, nil
}

func (r *redisRepo) Remove(ctx context.Context, address string) error {
	kv, err := r.rdb.Get(ctx, playerKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(kv)
	if err != nil {
		// 格式不对，仍删除 playerKey
		return r.rdb.Del(ctx, playerKey(address), nameKey(address)).Err()
	}
	return removeScript.Run(ctx, r.rdb, []string{playerKey(address), poolKey(size), nameKey(address)}, address).Err()
}

func (r *redisRepo) Count(ctx context.Context, tableSize int) (int64, error) {
	return r.rdb.SCard(ctx, poolKey(tableSize)).Result()
}

// SaveRoom 保存组桌记录，便于排查
func (r *redisRepo) SaveRoom(ctx context.Context, room *Room, ttlSeconds int) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, roomKey(room.ID), data, time.Duration(ttlSeconds)*time.Second).Err()
}
