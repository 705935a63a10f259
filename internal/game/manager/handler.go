package manager

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"TonkServer/internal/game/engine"
	"TonkServer/internal/game/table"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	m *GameManager
}

func NewHandler(m *GameManager) *Handler {
	return &Handler{m: m}
}

// RegisterRoutes mounts the game API under r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ping", h.Ping)
	r.GET("/warmup", h.Warmup)
	g := r.Group("/game")
	g.POST("/create", h.Create)
	g.GET("/available", h.Available)
	g.GET("/user/active", h.Active)
	g.POST("/:id/join", h.Join)
	g.POST("/:id/start", h.Start)
	g.POST("/:id/move", h.Move)
	g.GET("/:id/state", h.State)
	g.GET("/:id/lobby", h.Lobby)
}

// caller 优先使用 JWT 中的地址，其次是请求里带的 userId
func caller(c *gin.Context, fallback string) string {
	if addr := c.GetString("address"); addr != "" {
		return addr
	}
	return strings.TrimSpace(fallback)
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "pong", "timestamp": time.Now().UTC()})
}

// GET /api/warmup 检查存储是否可用
func (h *Handler) Warmup(c *gin.Context) {
	start := time.Now()
	if err := h.m.Warmup(c.Request.Context()); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": string(table.KindStorage), "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "warm", "storage": "ok", "latencyMs": time.Since(start).Milliseconds()})
}

type seatBody struct {
	Name       string `json:"name"`
	IsComputer bool   `json:"is_computer"`
}

type createBody struct {
	Players    []seatBody      `json:"players" binding:"required"`
	GameName   string          `json:"game_name"`
	UserID     string          `json:"userId"`
	MaxPlayers int             `json:"maxPlayers"`
	Settings   *table.Settings `json:"settings"`
}

// POST /api/game/create
func (h *Handler) Create(c *gin.Context) {
	var req createBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	seats := make([]engine.SeatRequest, len(req.Players))
	for i, p := range req.Players {
		seats[i] = engine.SeatRequest{Name: p.Name, IsComputer: p.IsComputer}
	}
	s, err := h.m.CreateGame(c.Request.Context(), CreateRequest{
		Seats:      seats,
		GameName:   req.GameName,
		UserRef:    caller(c, req.UserID),
		MaxPlayers: req.MaxPlayers,
		Settings:   req.Settings,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"gameId":   s.ID,
		"roomCode": s.RoomCode,
		"playerId": s.Players[0].ID,
		"gameName": s.Name,
	})
}

type joinBody struct {
	PlayerName string `json:"playerName" binding:"required"`
	UserID     string `json:"userId"`
}

// POST /api/game/:id/join, id is the room code
func (h *Handler) Join(c *gin.Context) {
	var req joinBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, p, err := h.m.JoinGame(c.Request.Context(), c.Param("id"), req.PlayerName, caller(c, req.UserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"gameId":    s.ID,
		"playerId":  p.ID,
		"gameState": table.ViewFor(s, p.UserRef),
	})
}

func (h *Handler) Start(c *gin.Context) {
	s, err := h.m.StartGame(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gameId": s.ID})
}

func (h *Handler) Move(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	user := caller(c, c.Query("userId"))
	res, err := h.m.SubmitMove(c.Request.Context(), c.Param("id"), user, req)
	if err != nil {
		writeError(c, err)
		return
	}
	viewer := user
	if viewer == "" {
		if p, ok := res.Session.Player(req.PlayerID); ok {
			viewer = p.UserRef
		}
	}
	body := gin.H{"success": true, "gameState": table.ViewFor(res.Session, viewer)}
	if res.Outcome != nil {
		body["gameOver"] = true
		body["winner"] = res.Outcome.WinnerID
		body["reason"] = res.Outcome.Reason
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) State(c *gin.Context) {
	v, err := h.m.State(c.Request.Context(), c.Param("id"), caller(c, c.Query("userId")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gameState": v, "lastMove": v.LastMove})
}

func (h *Handler) Lobby(c *gin.Context) {
	info, err := h.m.Lobby(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) Available(c *gin.Context) {
	games, err := h.m.AvailableGames(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available_games": games})
}

// GET /api/game/user/active
func (h *Handler) Active(c *gin.Context) {
	seat, err := h.m.ActiveGame(c.Request.Context(), caller(c, c.Query("userId")))
	if errors.Is(err, table.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"hasActiveGame": false})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hasActiveGame": true,
		"gameId":        seat.GameID,
		"roomCode":      seat.RoomCode,
		"playerId":      seat.PlayerID,
		"gameStatus":    seat.Status,
	})
}

// ---------------------
//   ERROR MAPPING
// ---------------------

func statusOf(kind table.Kind) int {
	switch kind {
	case table.KindNotFound:
		return http.StatusNotFound
	case table.KindNotYourTurn:
		return http.StatusForbidden
	case table.KindGameAlreadyStarted, table.KindGameFull, table.KindDuplicatePlayer, table.KindGameNotPlaying:
		return http.StatusConflict
	case table.KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// errorBody maps err to a status and the {"error", "message"} body.
func errorBody(err error) (int, gin.H) {
	var ge *table.Error
	switch {
	case errors.As(err, &ge):
		return statusOf(ge.Kind), gin.H{"error": string(ge.Kind), "message": ge.Error()}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, gin.H{"error": "Forbidden", "message": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": "Internal", "message": err.Error()}
	}
}

func writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(table.KindInvalidArgument), "message": err.Error()})
}
