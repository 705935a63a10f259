package matchmaker

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func caller(c *gin.Context, fallback string) string {
	if addr := c.GetString("address"); addr != "" {
		return addr
	}
	return fallback
}

// POST /match/join  body: {name, tableSize}
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Address = caller(c, req.Address)
	room, queued, err := h.svc.Join(c.Request.Context(), req)
	switch {
	case errors.Is(err, ErrInvalidTableSize), errors.Is(err, ErrMissingAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrAlreadyInGame):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if queued {
		c.JSON(http.StatusOK, JoinResponse{Queued: true, TableSize: req.TableSize})
		return
	}
	c.JSON(http.StatusOK, JoinResponse{
		Queued: false, TableSize: room.TableSize, RoomID: room.ID, GameID: room.GameID, Players: room.Players,
	})
}

// POST /match/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.svc.Cancel(c.Request.Context(), caller(c, req.Address)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrMissingAddress) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
