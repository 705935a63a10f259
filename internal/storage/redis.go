package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"TonkServer/internal/game/table"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

type redisRepo struct {
	rdb *redis.Client
}

func NewRedisRepo(rdb *redis.Client) Repository {
	return &redisRepo{rdb: rdb}
}

// key 约定：
//
//	kv : tonk:game:{id}      -> encoded session
//	kv : tonk:room:{code}    -> game id
//	set: tonk:lobby          -> ids of games in the lobby
//	kv : tonk:user:{ref}     -> id of the user's live game
func gameKey(id string) string {
	return fmt.Sprintf("tonk:game:%s", id)
}

func roomKey(code string) string {
	return fmt.Sprintf("tonk:room:%s", code)
}

func userKey(ref string) string {
	return fmt.Sprintf("tonk:user:%s", ref)
}

const lobbyKey = "tonk:lobby"

// 只删除仍指向本局的用户索引
// KEYS[1] = userKey, ARGV[1] = game id
var releaseUser = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

func (r *redisRepo) Load(ctx context.Context, id string) (*table.Session, error) {
	data, err := r.rdb.Get(ctx, gameKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("game", id)
	}
	if err != nil {
		return nil, table.StorageError("load game", err)
	}
	s, err := DecodeSession(data)
	if err != nil {
		return nil, table.StorageError("load game", err)
	}
	return s, nil
}

func (r *redisRepo) LoadByRoomCode(ctx context.Context, code string) (*table.Session, error) {
	id, err := r.rdb.Get(ctx, roomKey(strings.ToUpper(code))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("room", code)
	}
	if err != nil {
		return nil, table.StorageError("load room", err)
	}
	return r.Load(ctx, id)
}

func (r *redisRepo) Save(ctx context.Context, s *table.Session) error {
	data, err := EncodeSession(s)
	if err != nil {
		return table.StorageError("save game", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, gameKey(s.ID), data, 0)
		if s.RoomCode != "" {
			p.Set(ctx, roomKey(s.RoomCode), s.ID, 0)
		}
		if s.Status == table.StatusLobby {
			p.SAdd(ctx, lobbyKey, s.ID)
		} else {
			p.SRem(ctx, lobbyKey, s.ID)
		}
		if live(s) {
			for _, pl := range s.Players {
				if pl.UserRef != "" {
					p.Set(ctx, userKey(pl.UserRef), s.ID, 0)
				}
			}
		}
		return nil
	})
	if err != nil {
		return table.StorageError("save game", err)
	}
	if !live(s) {
		for _, pl := range s.Players {
			if pl.UserRef == "" {
				continue
			}
			if err := releaseUser.Run(ctx, r.rdb, []string{userKey(pl.UserRef)}, s.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
				return table.StorageError("release user", err)
			}
		}
	}
	return nil
}

func (r *redisRepo) ListLobby(ctx context.Context) ([]*table.Session, error) {
	ids, err := r.rdb.SMembers(ctx, lobbyKey).Result()
	if err != nil {
		return nil, table.StorageError("list lobby", err)
	}
	out := make([]*table.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Load(ctx, id)
		if errors.Is(err, table.ErrNotFound) {
			// 索引残留
			r.rdb.SRem(ctx, lobbyKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.Status == table.StatusLobby {
			out = append(out, s)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *redisRepo) ActiveGame(ctx context.Context, userRef string) (*table.Session, error) {
	id, err := r.rdb.Get(ctx, userKey(userRef)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("active game for", userRef)
	}
	if err != nil {
		return nil, table.StorageError("load user", err)
	}
	s, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := s.PlayerByUser(userRef); !ok || !live(s) {
		return nil, notFound("active game for", userRef)
	}
	return s, nil
}
