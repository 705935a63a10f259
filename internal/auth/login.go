package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"TonkServer/internal/utils"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 24 * time.Hour

type LoginRequest struct {
	Address   string `json:"address" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
}

type Handler struct {
	secret []byte
	nonces *nonceStore
}

// 工厂方法：创建 handler
func NewHandler(secret []byte) *Handler {
	return &Handler{
		secret: secret,
		nonces: newNonceStore(nonceTTL),
	}
}

// SignMessage is the text the wallet signs for nonce.
func SignMessage(nonce string) string {
	return "Sign this message to authenticate with Tonk. Nonce: " + nonce
}

// personalHash 构造与 MetaMask personal_sign 完全一致的消息哈希
func personalHash(msg string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256Hash([]byte(prefix)).Bytes()
}

// RecoverAddress returns the address that produced the hex signature over msg.
func RecoverAddress(msg, signature string) (string, error) {
	sig := strings.TrimPrefix(signature, "0x")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sigBytes))
	}
	// 修正 V 值
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}
	pubKey, err := crypto.SigToPub(personalHash(msg), sigBytes)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// IssueToken signs an HS256 token for address.
func IssueToken(secret []byte, address string, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	claims := jwt.MapClaims{
		"sub": address,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}

	// 检查 nonce 是否有效
	if !h.nonces.consume(req.Nonce, req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}

	// -------------------
	// 恢复签名者地址 (核心)
	// -------------------
	recovered, err := RecoverAddress(SignMessage(req.Nonce), req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verify failed"})
		return
	}
	if !strings.EqualFold(recovered, req.Address) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	// -----------------------------
	// ✓ 签名验证成功 → 生成 JWT
	// -----------------------------
	token, err := IssueToken(h.secret, recovered, time.Now())
	if err != nil {
		utils.Log.Error("jwt generation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "jwt generation failed"})
		return
	}
	utils.Log.Info("wallet login", "address", recovered)

	c.JSON(http.StatusOK, gin.H{
		"jwt":     token,
		"address": recovered,
	})
}
