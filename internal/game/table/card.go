package table

import "strconv"

type Suit string

const (
	Hearts   Suit = "hearts"
	Diamonds Suit = "diamonds"
	Clubs    Suit = "clubs"
	Spades   Suit = "spades"
)

// Suits lists the four suits in deck construction order.
var Suits = []Suit{Hearts, Diamonds, Clubs, Spades}

// Ranks lists the thirteen ranks in deck construction order.
var Ranks = []string{"A", "2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K"}

// Card 一张牌。除 FaceUp 外创建后不可变
type Card struct {
	ID     string `json:"id"`
	Suit   Suit   `json:"suit"`
	Rank   string `json:"rank"`
	Value  int    `json:"value"`
	FaceUp bool   `json:"isFaceUp"`
}

// RankValue maps a rank to its Tonk point value: A=1, numerals face value, J/Q/K=10.
func RankValue(rank string) int {
	switch rank {
	case "A":
		return 1
	case "J", "Q", "K":
		return 10
	}
	v, err := strconv.Atoi(rank)
	if err != nil {
		return 0
	}
	return v
}

func (c Card) Symbol() string {
	switch c.Suit {
	case Hearts:
		return "H"
	case Diamonds:
		return "D"
	case Clubs:
		return "C"
	case Spades:
		return "S"
	}
	return "?"
}

func (c Card) Color() string {
	if c.Suit == Hearts || c.Suit == Diamonds {
		return "red"
	}
	return "black"
}

func (c Card) String() string {
	return c.Rank + c.Symbol()
}

// HandValue sums the point values of cards.
func HandValue(cards []Card) int {
	total := 0
	for _, c := range cards {
		total += c.Value
	}
	return total
}

// IndexOf returns the position of the card with id in cards, or -1.
func IndexOf(cards []Card, id string) int {
	for i, c := range cards {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// RemoveAt returns cards without the element at i. The input slice is not modified.
func RemoveAt(cards []Card, i int) []Card {
	out := make([]Card, 0, len(cards)-1)
	out = append(out, cards[:i]...)
	return append(out, cards[i+1:]...)
}
