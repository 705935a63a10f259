package websocket

import "encoding/json"

// Outgoing events
const (
	EventGameState = "game_state"
	EventMatched   = "matched"
	EventError     = "error"
)

// Incoming events
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventMove        = "move"
)

type OutgoingMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type IncomingMessage struct {
	From  string          `json:"from"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
