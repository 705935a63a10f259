package storage

import (
	"encoding/json"
	"fmt"

	"TonkServer/internal/game/table"
)

const codecVersion = 1

type envelope struct {
	Version int            `json:"v"`
	Session *table.Session `json:"session"`
}

// EncodeSession serializes s for storage.
func EncodeSession(s *table.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encode session: nil session")
	}
	return json.Marshal(envelope{Version: codecVersion, Session: s})
}

// DecodeSession is the inverse of EncodeSession.
func DecodeSession(data []byte) (*table.Session, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if env.Version != codecVersion {
		return nil, fmt.Errorf("decode session: unsupported version %d", env.Version)
	}
	if env.Session == nil {
		return nil, fmt.Errorf("decode session: empty payload")
	}
	return env.Session, nil
}
