package engine

import (
	"encoding/json"

	"TonkServer/internal/game/table"
)

type MoveKind string

const (
	KindDraw         MoveKind = "draw"
	KindDiscard      MoveKind = "discard"
	KindCreateSpread MoveKind = "create_spread"
	KindAddToSpread  MoveKind = "add_to_spread"
	KindHit          MoveKind = "hit"
	KindTonk         MoveKind = "tonk"
	KindDrop         MoveKind = "drop"
)

type DrawSource string

const (
	SourceDeck    DrawSource = "deck"
	SourceDiscard DrawSource = "discard"
	SourceUnder   DrawSource = "under"
)

// Move is one in-turn action. The set of implementations is closed.
type Move interface {
	Kind() MoveKind
	isMove()
}

type Draw struct {
	Source DrawSource `json:"source"`
}

type Discard struct {
	CardID string `json:"cardId"`
}

// CreateSpread lays at least three cards from hand. ToTable puts the spread on the table
// where other players can hit it.
type CreateSpread struct {
	CardIDs []string `json:"cards"`
	ToTable bool     `json:"toTable"`
}

type AddToSpread struct {
	SpreadID string `json:"spreadId"`
	CardID   string `json:"cardId"`
}

type Hit struct {
	SpreadID string `json:"spreadId"`
	CardID   string `json:"cardId"`
}

type Tonk struct{}

type Drop struct{}

func (Draw) Kind() MoveKind         { return KindDraw }
func (Discard) Kind() MoveKind      { return KindDiscard }
func (CreateSpread) Kind() MoveKind { return KindCreateSpread }
func (AddToSpread) Kind() MoveKind  { return KindAddToSpread }
func (Hit) Kind() MoveKind          { return KindHit }
func (Tonk) Kind() MoveKind         { return KindTonk }
func (Drop) Kind() MoveKind         { return KindDrop }

func (Draw) isMove()         {}
func (Discard) isMove()      {}
func (CreateSpread) isMove() {}
func (AddToSpread) isMove()  {}
func (Hit) isMove()          {}
func (Tonk) isMove()         {}
func (Drop) isMove()         {}

// DecodeMove builds a Move from the wire pair (moveType, moveData).
func DecodeMove(kind string, data json.RawMessage) (Move, error) {
	var m Move
	switch MoveKind(kind) {
	case KindDraw:
		var d Draw
		if err := unmarshalData(data, &d); err != nil {
			return nil, err
		}
		switch d.Source {
		case SourceDeck, SourceDiscard, SourceUnder:
		default:
			return nil, table.Errorf(table.KindInvalidArgument, "unknown draw source %q", d.Source)
		}
		m = d
	case KindDiscard:
		var d Discard
		if err := unmarshalData(data, &d); err != nil {
			return nil, err
		}
		m = d
	case KindCreateSpread:
		var d CreateSpread
		if err := unmarshalData(data, &d); err != nil {
			return nil, err
		}
		m = d
	case KindAddToSpread:
		var d AddToSpread
		if err := unmarshalData(data, &d); err != nil {
			return nil, err
		}
		m = d
	case KindHit:
		var d Hit
		if err := unmarshalData(data, &d); err != nil {
			return nil, err
		}
		m = d
	case KindTonk:
		m = Tonk{}
	case KindDrop:
		m = Drop{}
	default:
		return nil, table.Errorf(table.KindInvalidArgument, "unknown move type %q", kind)
	}
	return m, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &table.Error{Kind: table.KindInvalidArgument, Msg: "bad move data", Err: err}
	}
	return nil
}
