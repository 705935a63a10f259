package table

import "time"

// PlayerView is a player as seen by one viewer. Hand is only set for the viewer's own seat.
type PlayerView struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	IsComputer        bool     `json:"isComputer"`
	Hand              []Card   `json:"hand,omitempty"`
	HandCount         int      `json:"handCount"`
	Spreads           []Spread `json:"spreads"`
	HasDropped        bool     `json:"hasDropped"`
	Score             int      `json:"score"`
	Turns             int      `json:"turns"`
	HasDrawnFromUnder bool     `json:"hasDrawnFromUnder"`
	IsOnline          bool     `json:"isOnline"`
	Position          int      `json:"position"`
	IsYou             bool     `json:"isYou,omitempty"`
}

// View is the projection of a session pushed to clients.
type View struct {
	ID                 string       `json:"id"`
	RoomCode           string       `json:"roomCode"`
	Name               string       `json:"name"`
	Status             Status       `json:"status"`
	Players            []PlayerView `json:"players"`
	DeckCount          int          `json:"deckCount"`
	DiscardTop         *Card        `json:"discardTop"`
	DiscardCount       int          `json:"discardCount"`
	UnderCard          *Card        `json:"underCard"`
	TableSpreads       []Spread     `json:"tableSpreads"`
	CurrentPlayerIndex int          `json:"currentPlayerIndex"`
	TurnPhase          Phase        `json:"turnPhase"`
	TurnCount          int          `json:"turnCount"`
	Settings           Settings     `json:"settings"`
	WinnerPlayerID     string       `json:"winner,omitempty"`
	WinReason          string       `json:"winReason,omitempty"`
	LastMove           *MoveRecord  `json:"lastMove"`
	MaxPlayers         int          `json:"maxPlayers"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// ViewFor projects s for the viewer holding viewerRef. An empty viewerRef gets the public view.
// 游戏结束后所有手牌公开
func ViewFor(s *Session, viewerRef string) View {
	v := View{
		ID:                 s.ID,
		RoomCode:           s.RoomCode,
		Name:               s.Name,
		Status:             s.Status,
		DeckCount:          len(s.Deck),
		DiscardCount:       len(s.DiscardPile),
		TableSpreads:       cloneSpreads(s.TableSpreads),
		CurrentPlayerIndex: s.CurrentPlayerIndex,
		TurnPhase:          s.TurnPhase,
		TurnCount:          s.TurnCount,
		Settings:           s.Settings,
		WinnerPlayerID:     s.WinnerPlayerID,
		WinReason:          s.WinReason,
		MaxPlayers:         s.MaxPlayers,
		UpdatedAt:          s.UpdatedAt,
	}
	if n := len(s.DiscardPile); n > 0 {
		top := s.DiscardPile[n-1]
		v.DiscardTop = &top
	}
	if s.UnderCard != nil {
		u := *s.UnderCard
		v.UnderCard = &u
	}
	if s.LastMove != nil {
		m := *s.LastMove
		v.LastMove = &m
	}
	v.Players = make([]PlayerView, len(s.Players))
	for i, p := range s.Players {
		pv := PlayerView{
			ID:                p.ID,
			Name:              p.Name,
			IsComputer:        p.IsComputer,
			HandCount:         len(p.Hand),
			Spreads:           cloneSpreads(p.Spreads),
			HasDropped:        p.HasDropped,
			Score:             p.Score,
			Turns:             p.Turns,
			HasDrawnFromUnder: p.HasDrawnFromUnder,
			IsOnline:          p.IsOnline,
			Position:          p.Position,
		}
		mine := viewerRef != "" && p.UserRef == viewerRef
		if mine || s.Status == StatusGameOver {
			pv.Hand = cloneCards(p.Hand)
		}
		pv.IsYou = mine
		v.Players[i] = pv
	}
	return v
}
