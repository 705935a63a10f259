package engine

import (
	"strings"
	"time"

	"TonkServer/internal/game/dealer"
	"TonkServer/internal/game/table"

	"github.com/google/uuid"
)

// FalseTonkPenalty is added to the score of a player who calls Tonk above five points.
const FalseTonkPenalty = 10

const tonkLimit = 5

// Service contains the Tonk rules operating on a session it is handed.
// It holds no session state of its own.
type Service struct {
	dealer *dealer.Dealer
	now    func() time.Time
}

// NewService constructs a Service with provided dealer or a time-seeded default.
func NewService(d *dealer.Dealer) *Service {
	if d == nil {
		d = dealer.NewDealer(time.Now().UnixNano())
	}
	return &Service{
		dealer: d,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SeatRequest describes one seat at creation time.
type SeatRequest struct {
	Name       string `json:"name"`
	IsComputer bool   `json:"isComputer"`
	UserRef    string `json:"userRef,omitempty"`
}

type CreateOptions struct {
	Name       string
	CreatorRef string
	MaxPlayers int
	Settings   *table.Settings
}

// Outcome is the terminal result of a move, nil while the game goes on.
type Outcome struct {
	WinnerID string `json:"winner"`
	Reason   string `json:"reason"`
}

// CreateSession builds a lobby session with a full shuffled deck. The creator sits at seat 0.
func (s *Service) CreateSession(seats []SeatRequest, opts CreateOptions) (*table.Session, error) {
	if len(seats) == 0 {
		return nil, table.Errorf(table.KindInvalidArgument, "at least one player is required")
	}
	maxPlayers := opts.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = table.MaxPlayers
	}
	if maxPlayers < table.MinPlayers {
		return nil, table.Errorf(table.KindInvalidArgument, "max players must be at least %d", table.MinPlayers)
	}
	if len(seats) > maxPlayers {
		return nil, table.Errorf(table.KindInvalidArgument, "%d players exceed the %d seats", len(seats), maxPlayers)
	}
	settings := table.Settings{AllowUnderCardAnyTurn: true}
	if opts.Settings != nil {
		settings = *opts.Settings
	}

	id := uuid.NewString()
	now := s.now()
	sess := &table.Session{
		ID:           id,
		RoomCode:     RoomCode(id),
		Name:         opts.Name,
		Deck:         s.dealer.NewDeck(),
		DiscardPile:  []table.Card{},
		TableSpreads: []table.Spread{},
		TurnPhase:    table.PhaseWaiting,
		Status:       table.StatusLobby,
		Settings:     settings,
		MaxPlayers:   maxPlayers,
		CreatorRef:   opts.CreatorRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sess.Name == "" {
		sess.Name = "Tonk Game"
	}

	seen := make(map[string]bool)
	for i, seat := range seats {
		name := strings.TrimSpace(seat.Name)
		if name == "" {
			return nil, table.Errorf(table.KindInvalidArgument, "player %d has no name", i)
		}
		ref := seat.UserRef
		if i == 0 && ref == "" {
			ref = opts.CreatorRef
		}
		if ref != "" {
			if seen[ref] {
				return nil, table.Errorf(table.KindDuplicatePlayer, "user %s is seated twice", ref)
			}
			seen[ref] = true
		}
		sess.Players = append(sess.Players, newPlayer(name, ref, seat.IsComputer, i))
	}
	return sess, nil
}

// RoomCode derives the shareable code from a session id.
func RoomCode(id string) string {
	code := strings.ReplaceAll(id, "-", "")
	if len(code) > 6 {
		code = code[:6]
	}
	return strings.ToUpper(code)
}

func newPlayer(name, userRef string, computer bool, position int) table.Player {
	return table.Player{
		ID:         uuid.NewString(),
		UserRef:    userRef,
		Name:       name,
		IsComputer: computer,
		Hand:       []table.Card{},
		Spreads:    []table.Spread{},
		IsOnline:   !computer,
		Position:   position,
	}
}

// Join seats a new player at the next position.
func (s *Service) Join(sess *table.Session, name, userRef string) (*table.Player, error) {
	if sess.Status != table.StatusLobby {
		return nil, table.ErrGameAlreadyStarted
	}
	if len(sess.Players) >= sess.MaxPlayers {
		return nil, table.ErrGameFull
	}
	if _, dup := sess.PlayerByUser(userRef); dup {
		return nil, table.ErrDuplicatePlayer
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, table.Errorf(table.KindInvalidArgument, "player name is required")
	}
	sess.Players = append(sess.Players, newPlayer(name, userRef, false, len(sess.Players)))
	sess.UpdatedAt = s.now()
	return &sess.Players[len(sess.Players)-1], nil
}

// Start deals five cards to every player, seeds the discard pile and the under card,
// and gives the first turn to seat 0.
func (s *Service) Start(sess *table.Session) error {
	if sess.Status != table.StatusLobby {
		return table.ErrGameAlreadyStarted
	}
	if len(sess.Players) < table.MinPlayers {
		return table.ErrNotEnoughPlayers
	}

	hands, deck := dealer.DealHands(sess.Deck, len(sess.Players), table.HandSize)
	for i := range sess.Players {
		sess.Players[i].Hand = hands[i]
		sess.Players[i].Spreads = []table.Spread{}
	}
	sess.DiscardPile = []table.Card{}
	if c, rest, ok := dealer.Pop(deck); ok {
		c.FaceUp = true
		sess.DiscardPile = append(sess.DiscardPile, c)
		deck = rest
	}
	sess.UnderCard = nil
	if c, rest, ok := dealer.Pop(deck); ok {
		c.FaceUp = true
		sess.UnderCard = &c
		deck = rest
	}
	sess.Deck = deck

	sess.Status = table.StatusPlaying
	sess.CurrentPlayerIndex = 0
	sess.TurnPhase = table.PhaseDraw
	sess.TurnCount = 1
	first := sess.Players[0]
	s.record(sess, &first, "start_game", "", "")
	return nil
}

// ApplyMove validates and applies one move of playerID. On error the session is untouched.
func (s *Service) ApplyMove(sess *table.Session, playerID string, move Move) (*Outcome, error) {
	if sess.Status != table.StatusPlaying {
		return nil, table.ErrGameNotPlaying
	}
	p, ok := sess.Player(playerID)
	if !ok {
		return nil, table.ErrPlayerNotFound
	}
	if p.Position != sess.CurrentPlayerIndex {
		return nil, table.ErrNotYourTurn
	}
	if move == nil {
		return nil, table.Errorf(table.KindInvalidArgument, "missing move")
	}
	if err := checkPhase(sess.TurnPhase, move.Kind()); err != nil {
		return nil, err
	}

	switch m := move.(type) {
	case Draw:
		return nil, s.draw(sess, p, m)
	case Discard:
		return s.discard(sess, p, m)
	case CreateSpread:
		return nil, s.createSpread(sess, p, m)
	case AddToSpread:
		return nil, s.addToSpread(sess, p, m)
	case Hit:
		return nil, s.hit(sess, p, m)
	case Tonk:
		return s.tonk(sess, p), nil
	case Drop:
		return s.drop(sess, p), nil
	}
	return nil, table.Errorf(table.KindInvalidArgument, "unsupported move %q", move.Kind())
}

// checkPhase 抽牌阶段只能抽牌；出牌阶段可以弃牌、组牌、加牌、吃牌；Tonk 与 Drop 两个阶段都允许
func checkPhase(phase table.Phase, kind MoveKind) error {
	switch kind {
	case KindDraw:
		if phase != table.PhaseDraw {
			return table.Errorf(table.KindWrongPhase, "already drew this turn")
		}
	case KindDiscard, KindCreateSpread, KindAddToSpread, KindHit:
		if phase != table.PhaseAction {
			return table.Errorf(table.KindWrongPhase, "draw a card first")
		}
	}
	return nil
}

func (s *Service) draw(sess *table.Session, p *table.Player, m Draw) error {
	var c table.Card
	switch m.Source {
	case SourceDeck:
		top, rest, ok := dealer.Pop(sess.Deck)
		if !ok {
			return table.Errorf(table.KindEmptySource, "deck is empty")
		}
		c, sess.Deck = top, rest
	case SourceDiscard:
		top, rest, ok := dealer.Pop(sess.DiscardPile)
		if !ok {
			return table.Errorf(table.KindEmptySource, "discard pile is empty")
		}
		c, sess.DiscardPile = top, rest
	case SourceUnder:
		if !sess.Settings.AllowUnderCardAnyTurn && p.Turns == 0 {
			return table.ErrUnderCardNotAvailable
		}
		if sess.UnderCard == nil {
			return table.Errorf(table.KindEmptySource, "under card already taken")
		}
		c = *sess.UnderCard
		sess.UnderCard = nil
		p.HasDrawnFromUnder = true
	default:
		return table.Errorf(table.KindInvalidArgument, "unknown draw source %q", m.Source)
	}
	c.FaceUp = true
	p.Hand = append(p.Hand, c)
	sess.TurnPhase = table.PhaseAction
	s.record(sess, p, string(KindDraw), "", string(m.Source))
	return nil
}

func (s *Service) discard(sess *table.Session, p *table.Player, m Discard) (*Outcome, error) {
	i := table.IndexOf(p.Hand, m.CardID)
	if i < 0 {
		return nil, table.ErrCardNotInHand
	}
	c := p.Hand[i]
	p.Hand = table.RemoveAt(p.Hand, i)
	c.FaceUp = true
	sess.DiscardPile = append(sess.DiscardPile, c)
	s.record(sess, p, string(KindDiscard), c.ID, "")

	if len(p.Hand) == 0 {
		return s.finish(sess, p.ID, table.ReasonTonkOut), nil
	}
	s.advance(sess)
	return nil, nil
}

func (s *Service) createSpread(sess *table.Session, p *table.Player, m CreateSpread) error {
	picked := make(map[string]bool, len(m.CardIDs))
	for _, id := range m.CardIDs {
		if table.IndexOf(p.Hand, id) >= 0 {
			picked[id] = true
		}
	}
	if len(picked) < 3 {
		return table.ErrInvalidSpreadSize
	}

	sp := table.Spread{ID: uuid.NewString(), Owner: p.ID, Location: table.LocationPlayer}
	kept := make([]table.Card, 0, len(p.Hand))
	for _, c := range p.Hand {
		if picked[c.ID] {
			sp.Cards = append(sp.Cards, c)
			continue
		}
		kept = append(kept, c)
	}
	p.Hand = kept
	if m.ToTable {
		sp.Location = table.LocationTable
		sess.TableSpreads = append(sess.TableSpreads, sp)
	} else {
		p.Spreads = append(p.Spreads, sp)
	}
	s.record(sess, p, string(KindCreateSpread), "", "")
	return nil
}

func (s *Service) addToSpread(sess *table.Session, p *table.Player, m AddToSpread) error {
	i := table.IndexOf(p.Hand, m.CardID)
	if i < 0 {
		return table.ErrCardNotInHand
	}
	// 先找自己的组合，再找桌面上的
	var target *table.Spread
	for j := range p.Spreads {
		if p.Spreads[j].ID == m.SpreadID {
			target = &p.Spreads[j]
			break
		}
	}
	if target == nil {
		if j := sess.TableSpread(m.SpreadID); j >= 0 {
			target = &sess.TableSpreads[j]
		}
	}
	if target == nil {
		return table.ErrSpreadNotFound
	}
	c := p.Hand[i]
	p.Hand = table.RemoveAt(p.Hand, i)
	target.Cards = append(target.Cards, c)
	s.record(sess, p, string(KindAddToSpread), c.ID, "")
	return nil
}

func (s *Service) hit(sess *table.Session, p *table.Player, m Hit) error {
	i := table.IndexOf(p.Hand, m.CardID)
	if i < 0 {
		return table.ErrCardNotInHand
	}
	j := sess.TableSpread(m.SpreadID)
	if j < 0 {
		return table.ErrSpreadNotFound
	}
	sp := sess.TableSpreads[j]
	rest := make([]table.Spread, 0, len(sess.TableSpreads)-1)
	rest = append(rest, sess.TableSpreads[:j]...)
	sess.TableSpreads = append(rest, sess.TableSpreads[j+1:]...)

	// 被吃掉的组合连同打出的那张牌一起回到手里
	c := p.Hand[i]
	p.Hand = append(table.RemoveAt(p.Hand, i), sp.Cards...)
	p.Hand = append(p.Hand, c)
	s.record(sess, p, string(KindHit), c.ID, "")
	return nil
}

func (s *Service) tonk(sess *table.Session, p *table.Player) *Outcome {
	s.record(sess, p, string(KindTonk), "", "")
	if table.HandValue(p.Hand) <= tonkLimit {
		return s.finish(sess, p.ID, table.ReasonTonk)
	}
	p.Score += FalseTonkPenalty
	s.advance(sess)
	return nil
}

func (s *Service) drop(sess *table.Session, p *table.Player) *Outcome {
	p.HasDropped = true
	p.Score = table.HandValue(p.Hand)
	s.record(sess, p, string(KindDrop), "", "")
	if sess.ActivePlayers() == 1 {
		for _, other := range sess.Players {
			if !other.HasDropped {
				return s.finish(sess, other.ID, table.ReasonAllDropped)
			}
		}
	}
	s.advance(sess)
	return nil
}

// advance 轮到下一位未退出的玩家
func (s *Service) advance(sess *table.Session) {
	n := len(sess.Players)
	next := sess.CurrentPlayerIndex
	for i := 0; i < n; i++ {
		next = (next + 1) % n
		if !sess.Players[next].HasDropped {
			break
		}
	}
	sess.CurrentPlayerIndex = next
	sess.TurnCount++
	sess.TurnPhase = table.PhaseDraw
	sess.Players[next].Turns++
}

func (s *Service) finish(sess *table.Session, winnerID, reason string) *Outcome {
	sess.Status = table.StatusGameOver
	sess.WinnerPlayerID = winnerID
	sess.WinReason = reason
	return &Outcome{WinnerID: winnerID, Reason: reason}
}

func (s *Service) record(sess *table.Session, p *table.Player, kind, cardID, source string) {
	now := s.now()
	sess.LastMove = &table.MoveRecord{
		PlayerID:   p.ID,
		PlayerName: p.Name,
		Kind:       kind,
		CardID:     cardID,
		Source:     source,
		At:         now,
	}
	sess.UpdatedAt = now
}
