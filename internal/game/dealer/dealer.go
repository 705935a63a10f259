package dealer

import (
	"math/rand"
	"sync"

	"TonkServer/internal/game/table"

	"github.com/google/uuid"
)

// Dealer 只负责洗牌与发牌（无规则判断）
// One Dealer is shared by every session, so the rng is guarded.
type Dealer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewDealer(seed int64) *Dealer {
	return &Dealer{rnd: rand.New(rand.NewSource(seed))}
}

// NewDeck 初始化一副 52 张牌并洗牌
func (d *Dealer) NewDeck() []table.Card {
	deck := StandardDeck()
	d.Shuffle(deck)
	return deck
}

// StandardDeck returns every (suit, rank) pair once, face down, with fresh ids.
func StandardDeck() []table.Card {
	deck := make([]table.Card, 0, table.DeckSize)
	for _, s := range table.Suits {
		for _, r := range table.Ranks {
			deck = append(deck, table.Card{
				ID:    uuid.NewString(),
				Suit:  s,
				Rank:  r,
				Value: table.RankValue(r),
			})
		}
	}
	return deck
}

// Shuffle permutes deck in place.
func (d *Dealer) Shuffle(deck []table.Card) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rnd.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })
}

// Pop takes the top card (last element) of a stack.
func Pop(deck []table.Card) (table.Card, []table.Card, bool) {
	n := len(deck)
	if n == 0 {
		return table.Card{}, deck, false
	}
	return deck[n-1], deck[:n-1], true
}

// DealHands 按座位顺序每人连续发 size 张，牌堆不足时后面的玩家少拿
func DealHands(deck []table.Card, players, size int) ([][]table.Card, []table.Card) {
	hands := make([][]table.Card, players)
	for p := 0; p < players; p++ {
		hands[p] = make([]table.Card, 0, size)
		for i := 0; i < size; i++ {
			c, rest, ok := Pop(deck)
			if !ok {
				break
			}
			deck = rest
			c.FaceUp = true
			hands[p] = append(hands[p], c)
		}
	}
	return hands, deck
}
