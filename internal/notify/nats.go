package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"TonkServer/internal/game/table"
	"TonkServer/internal/utils"

	"github.com/nats-io/nats.go"
)

// Subject returns the NATS subject carrying the state of one game.
func Subject(gameID string) string {
	return fmt.Sprintf("tonk.game.%s.state", gameID)
}

const pingSubject = "tonk.ping"

// Connect opens a NATS connection with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				utils.Log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			utils.Log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	return nats.Connect(url, opts...)
}

// ReplyPing answers requests on tonk.ping with the server time in milliseconds.
func ReplyPing(nc *nats.Conn) (*nats.Subscription, error) {
	return nc.Subscribe(pingSubject, func(m *nats.Msg) {
		payload := map[string]any{}
		_ = json.Unmarshal(m.Data, &payload)
		payload["server_ping"] = time.Now().UnixMilli()
		data, _ := json.Marshal(payload)
		if m.Reply != "" {
			_ = m.Respond(data)
		}
	})
}

// publisher is the part of *nats.Conn the publisher uses.
type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher pushes the public view of every saved session.
type NATSPublisher struct {
	conn publisher
}

func NewNATSPublisher(conn publisher) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish never reports failure to the caller; errors are logged.
func (p *NATSPublisher) Publish(gameID string, s *table.Session) {
	data, err := json.Marshal(table.ViewFor(s, ""))
	if err != nil {
		utils.Log.Error("encode view failed", "game", gameID, "err", err)
		return
	}
	// nats 客户端发布本身是异步缓冲的
	if err := p.conn.Publish(Subject(gameID), data); err != nil {
		utils.Log.Warn("nats publish failed", "game", gameID, "err", err)
	}
}
