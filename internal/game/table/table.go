package table

import "time"

type Status string

const (
	StatusLobby    Status = "lobby"
	StatusPlaying  Status = "playing"
	StatusGameOver Status = "game_over"
)

type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseDraw    Phase = "draw"
	PhaseAction  Phase = "action"
)

type SpreadLocation string

const (
	LocationPlayer SpreadLocation = "player"
	LocationTable  SpreadLocation = "table"
)

const (
	DeckSize   = 52
	HandSize   = 5
	MinPlayers = 2
	MaxPlayers = 4
)

// Win reasons
const (
	ReasonTonkOut    = "Tonk Out"
	ReasonTonk       = "Tonk"
	ReasonAllDropped = "all others dropped"
)

type Spread struct {
	ID       string         `json:"id"`
	Cards    []Card         `json:"cards"`
	Owner    string         `json:"owner"`
	Location SpreadLocation `json:"location"`
}

type Player struct {
	ID                string   `json:"id"`
	UserRef           string   `json:"userRef,omitempty"`
	Name              string   `json:"name"`
	IsComputer        bool     `json:"isComputer"`
	Hand              []Card   `json:"hand"`
	Spreads           []Spread `json:"spreads"`
	HasDropped        bool     `json:"hasDropped"`
	Score             int      `json:"score"`
	Turns             int      `json:"turns"`
	HasDrawnFromUnder bool     `json:"hasDrawnFromUnder"`
	IsOnline          bool     `json:"isOnline"`
	Position          int      `json:"position"`
}

type Settings struct {
	AllowUnderCardAnyTurn bool `json:"allowUnderCardAnyTurn"`
}

// MoveRecord 最近一次操作，用于前端展示
type MoveRecord struct {
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	Kind       string    `json:"moveType"`
	CardID     string    `json:"cardId,omitempty"`
	Source     string    `json:"source,omitempty"`
	At         time.Time `json:"timestamp"`
}

// Session is the authoritative state of one Tonk game.
// Deck and DiscardPile are stacks whose top is the last element.
type Session struct {
	ID                 string      `json:"id"`
	RoomCode           string      `json:"roomCode"`
	Name               string      `json:"name"`
	Players            []Player    `json:"players"`
	Deck               []Card      `json:"deck"`
	DiscardPile        []Card      `json:"discardPile"`
	UnderCard          *Card       `json:"underCard"`
	TableSpreads       []Spread    `json:"tableSpreads"`
	CurrentPlayerIndex int         `json:"currentPlayerIndex"`
	TurnPhase          Phase       `json:"turnPhase"`
	TurnCount          int         `json:"turnCount"`
	Status             Status      `json:"status"`
	Settings           Settings    `json:"settings"`
	WinnerPlayerID     string      `json:"winner,omitempty"`
	WinReason          string      `json:"winReason,omitempty"`
	LastMove           *MoveRecord `json:"lastMove"`
	MaxPlayers         int         `json:"maxPlayers"`
	CreatorRef         string      `json:"creatorRef,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Player returns the seated player with id.
func (s *Session) Player(id string) (*Player, bool) {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i], true
		}
	}
	return nil, false
}

// PlayerByUser returns the seat held by an external identity.
func (s *Session) PlayerByUser(userRef string) (*Player, bool) {
	if userRef == "" {
		return nil, false
	}
	for i := range s.Players {
		if s.Players[i].UserRef == userRef {
			return &s.Players[i], true
		}
	}
	return nil, false
}

// Current returns the player whose turn it is.
func (s *Session) Current() *Player {
	if s.CurrentPlayerIndex < 0 || s.CurrentPlayerIndex >= len(s.Players) {
		return nil
	}
	return &s.Players[s.CurrentPlayerIndex]
}

// ActivePlayers counts players who have not dropped.
func (s *Session) ActivePlayers() int {
	n := 0
	for _, p := range s.Players {
		if !p.HasDropped {
			n++
		}
	}
	return n
}

// TableSpread returns the index of a table spread, or -1.
func (s *Session) TableSpread(id string) int {
	for i, sp := range s.TableSpreads {
		if sp.ID == id {
			return i
		}
	}
	return -1
}

// CardCount counts every card in every location of the session.
func (s *Session) CardCount() int {
	n := len(s.Deck) + len(s.DiscardPile)
	if s.UnderCard != nil {
		n++
	}
	for _, p := range s.Players {
		n += len(p.Hand)
		for _, sp := range p.Spreads {
			n += len(sp.Cards)
		}
	}
	for _, sp := range s.TableSpreads {
		n += len(sp.Cards)
	}
	return n
}

// Clone returns a deep copy that shares no slices with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		p.Hand = cloneCards(p.Hand)
		p.Spreads = cloneSpreads(p.Spreads)
		c.Players[i] = p
	}
	c.Deck = cloneCards(s.Deck)
	c.DiscardPile = cloneCards(s.DiscardPile)
	c.TableSpreads = cloneSpreads(s.TableSpreads)
	if s.UnderCard != nil {
		u := *s.UnderCard
		c.UnderCard = &u
	}
	if s.LastMove != nil {
		m := *s.LastMove
		c.LastMove = &m
	}
	return &c
}

func cloneCards(cards []Card) []Card {
	if cards == nil {
		return nil
	}
	out := make([]Card, len(cards))
	copy(out, cards)
	return out
}

func cloneSpreads(spreads []Spread) []Spread {
	if spreads == nil {
		return nil
	}
	out := make([]Spread, len(spreads))
	for i, sp := range spreads {
		sp.Cards = cloneCards(sp.Cards)
		out[i] = sp
	}
	return out
}
