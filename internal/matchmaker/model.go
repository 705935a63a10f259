package matchmaker

import "time"

// JoinRequest 前端提交的匹配请求，地址优先取 JWT
type JoinRequest struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	TableSize int    `json:"tableSize" binding:"required"` // 2~4
}

// JoinResponse 返回是否已成桌；若已成桌则给出对局信息
type JoinResponse struct {
	Queued    bool     `json:"queued"`
	RoomID    string   `json:"roomId,omitempty"`
	GameID    string   `json:"gameId,omitempty"`
	Players   []Player `json:"players,omitempty"`
	TableSize int      `json:"tableSize"`
}

// CancelRequest 取消匹配
type CancelRequest struct {
	Address string `json:"address"`
}

// Player is one queued user.
type Player struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Room 组桌结果
type Room struct {
	ID        string    `json:"id"`
	GameID    string    `json:"gameId"`
	TableSize int       `json:"tableSize"`
	Players   []Player  `json:"players"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r *Room) Addresses() []string {
	out := make([]string, len(r.Players))
	for i, p := range r.Players {
		out[i] = p.Address
	}
	return out
}
