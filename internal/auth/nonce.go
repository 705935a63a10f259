package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const nonceTTL = 5 * time.Minute

type nonceEntry struct {
	address string // 空表示未绑定地址
	expires time.Time
}

// nonceStore 一次性 nonce，绑定钱包地址，防止重放
type nonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
	ttl     time.Duration
	now     func() time.Time
}

func newNonceStore(ttl time.Duration) *nonceStore {
	return &nonceStore{
		entries: make(map[string]nonceEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *nonceStore) issue(address string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// 顺便清理过期的
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
		}
	}
	s.entries[nonce] = nonceEntry{address: strings.ToLower(address), expires: now.Add(s.ttl)}
	return nonce, nil
}

// consume 只允许使用一次
func (s *nonceStore) consume(nonce, address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nonce]
	if !ok {
		return false
	}
	delete(s.entries, nonce)
	if s.now().After(e.expires) {
		return false
	}
	return e.address == "" || e.address == strings.ToLower(address)
}

type nonceRequest struct {
	Address string `json:"address"`
}

// GET /auth/nonce?address=0x...
func (h *Handler) GetNonce(c *gin.Context) {
	h.replyNonce(c, c.Query("address"))
}

// POST /auth/nonce body: {address}
func (h *Handler) PostNonce(c *gin.Context) {
	var req nonceRequest
	_ = c.ShouldBindJSON(&req)
	h.replyNonce(c, req.Address)
}

func (h *Handler) replyNonce(c *gin.Context, address string) {
	nonce, err := h.nonces.issue(address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate nonce"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": nonce, "message": SignMessage(nonce)})
}
