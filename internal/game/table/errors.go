package table

import "fmt"

// Kind identifies a failure path of the game core.
type Kind string

const (
	KindInvalidArgument       Kind = "InvalidArgument"
	KindGameAlreadyStarted    Kind = "GameAlreadyStarted"
	KindGameFull              Kind = "GameFull"
	KindDuplicatePlayer       Kind = "DuplicatePlayer"
	KindNotEnoughPlayers      Kind = "NotEnoughPlayers"
	KindPlayerNotFound        Kind = "PlayerNotFound"
	KindNotYourTurn           Kind = "NotYourTurn"
	KindGameNotPlaying        Kind = "GameNotPlaying"
	KindWrongPhase            Kind = "WrongPhase"
	KindEmptySource           Kind = "EmptySource"
	KindUnderCardNotAvailable Kind = "UnderCardNotAvailable"
	KindCardNotInHand         Kind = "CardNotInHand"
	KindSpreadNotFound        Kind = "SpreadNotFound"
	KindInvalidSpreadSize     Kind = "InvalidSpreadSize"
	KindNotFound              Kind = "NotFound"
	KindStorage               Kind = "StorageError"
)

// Error is a game error with a kind and a human readable message.
// errors.Is matches any two errors of the same kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument, Msg: "invalid argument"}
	ErrGameAlreadyStarted    = &Error{Kind: KindGameAlreadyStarted, Msg: "game already started"}
	ErrGameFull              = &Error{Kind: KindGameFull, Msg: "game is full"}
	ErrDuplicatePlayer       = &Error{Kind: KindDuplicatePlayer, Msg: "you are already in this game"}
	ErrNotEnoughPlayers      = &Error{Kind: KindNotEnoughPlayers, Msg: "need at least 2 players"}
	ErrPlayerNotFound        = &Error{Kind: KindPlayerNotFound, Msg: "player not found"}
	ErrNotYourTurn           = &Error{Kind: KindNotYourTurn, Msg: "not your turn"}
	ErrGameNotPlaying        = &Error{Kind: KindGameNotPlaying, Msg: "game is not being played"}
	ErrWrongPhase            = &Error{Kind: KindWrongPhase, Msg: "move not allowed in this phase"}
	ErrEmptySource           = &Error{Kind: KindEmptySource, Msg: "nothing to draw"}
	ErrUnderCardNotAvailable = &Error{Kind: KindUnderCardNotAvailable, Msg: "under card not available"}
	ErrCardNotInHand         = &Error{Kind: KindCardNotInHand, Msg: "card not in hand"}
	ErrSpreadNotFound        = &Error{Kind: KindSpreadNotFound, Msg: "spread not found"}
	ErrInvalidSpreadSize     = &Error{Kind: KindInvalidSpreadSize, Msg: "a spread needs at least 3 cards"}
	ErrNotFound              = &Error{Kind: KindNotFound, Msg: "game not found"}
	ErrStorage               = &Error{Kind: KindStorage, Msg: "storage error"}
)

// Errorf builds an error of kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// StorageError wraps a repository failure.
func StorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Msg: op, Err: err}
}
