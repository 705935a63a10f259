package notify

import (
	"TonkServer/internal/game/engine"
	"TonkServer/internal/game/table"
)

// Fanout hands every snapshot to each notifier in order.
type Fanout []engine.Notifier

func (f Fanout) Publish(gameID string, s *table.Session) {
	for _, n := range f {
		if n != nil {
			n.Publish(gameID, s)
		}
	}
}
