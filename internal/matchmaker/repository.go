package matchmaker

import "context"

// Repo 定义对匹配池的抽象操作，每种桌子人数一个池
type Repo interface {
	// Enqueue 将玩家加入指定人数的池
	Enqueue(ctx context.Context, tableSize int, p Player, ttlSeconds int) error
	// PopNRandom 当池内达到 N 人时，随机弹出 N 人（原子）
	PopNRandom(ctx context.Context, tableSize int, n int) ([]Player, error)
	// Remove 将玩家从当前池移除（用于取消）
	Remove(ctx context.Context, address string) error
	// Count 返回池内人数
	Count(ctx context.Context, tableSize int) (int64, error)
}
