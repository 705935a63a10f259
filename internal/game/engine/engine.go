package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"TonkServer/internal/game/table"
	"TonkServer/internal/utils"
)

// Saver persists a session after every accepted mutation.
type Saver interface {
	Save(ctx context.Context, s *table.Session) error
}

// Notifier delivers a snapshot to viewers. It must not block and its failures are not reported.
type Notifier interface {
	Publish(gameID string, snapshot *table.Session)
}

// ErrClosed is returned by an Engine whose loop has stopped.
var ErrClosed = errors.New("engine closed")

// ---------------------
//   ACTION DEFINITION
// ---------------------

// Mutation changes the session in place. It must leave the session untouched when it fails.
type Mutation func(s *table.Session) (any, error)

type action struct {
	ctx   context.Context
	fn    Mutation
	reply chan result
}

type result struct {
	value any
	err   error
}

// ---------------------
//       ENGINE
// ---------------------

// Engine owns one live session and applies mutations to it one at a time.
type Engine struct {
	session    *table.Session
	store      Saver
	notifier   Notifier
	actionChan chan action
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	over     atomic.Bool  // 对局已结束
	lastUsed atomic.Int64 // unix nano
}

func NewEngine(s *table.Session, store Saver, notifier Notifier) *Engine {
	e := &Engine{
		session:    s,
		store:      store,
		notifier:   notifier,
		actionChan: make(chan action, 32), // 防止死锁
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	e.over.Store(s.Status == table.StatusGameOver)
	e.touch()
	go e.actionLoop()
	return e
}

func (e *Engine) touch() { e.lastUsed.Store(time.Now().UnixNano()) }

// Over reports whether the session has reached game over.
func (e *Engine) Over() bool { return e.over.Load() }

// LastUsed is the time of the latest Do call.
func (e *Engine) LastUsed() time.Time { return time.Unix(0, e.lastUsed.Load()) }

func (e *Engine) ID() string { return e.session.ID }

// 动作循环：同一局只有一个 goroutine 修改状态
func (e *Engine) actionLoop() {
	defer close(e.done)
	for {
		select {
		case act := <-e.actionChan:
			v, err := e.handleAction(act)
			e.over.Store(e.session.Status == table.StatusGameOver)
			act.reply <- result{value: v, err: err}
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) handleAction(act action) (any, error) {
	if act.fn == nil {
		return e.session.Clone(), nil
	}
	before := e.session.Clone()
	v, err := act.fn(e.session)
	if err != nil {
		e.session = before
		return nil, err
	}
	// 调用方断开不影响已经生效的操作
	if err := e.store.Save(context.WithoutCancel(act.ctx), e.session); err != nil {
		e.session = before
		utils.Log.Error("save game failed", "game", e.session.ID, "err", err)
		var ge *table.Error
		if errors.As(err, &ge) && ge.Kind == table.KindStorage {
			return nil, err
		}
		return nil, table.StorageError("save game", err)
	}
	if e.notifier != nil {
		e.notifier.Publish(e.session.ID, e.session.Clone())
	}
	return v, nil
}

// Do runs fn against the session inside the loop and waits for its result.
func (e *Engine) Do(ctx context.Context, fn Mutation) (any, error) {
	e.touch()
	reply := make(chan result, 1)
	select {
	case e.actionChan <- action{ctx: ctx, fn: fn, reply: reply}:
	case <-e.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// 已经入队的操作总会执行完，这里只等结果
	select {
	case r := <-reply:
		return r.value, r.err
	case <-e.done:
		select {
		case r := <-reply:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// Snapshot returns a copy of the current session.
func (e *Engine) Snapshot(ctx context.Context) (*table.Session, error) {
	v, err := e.Do(ctx, nil)
	if err != nil {
		return nil, err
	}
	return v.(*table.Session), nil
}

// Move applies one in-turn move through rules.
func (e *Engine) Move(ctx context.Context, rules *Service, playerID string, m Move) (*Outcome, error) {
	v, err := e.Do(ctx, func(s *table.Session) (any, error) {
		return rules.ApplyMove(s, playerID, m)
	})
	if err != nil {
		return nil, err
	}
	out, _ := v.(*Outcome)
	return out, nil
}

// Close stops the loop. Queued actions that have not started fail with ErrClosed.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
}
