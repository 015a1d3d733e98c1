package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
// Handlers act on Payload, never on the raw HTTP body.
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

const (
	maxFutureWindow = 5 * time.Minute
	nonceKeyPrefix  = "gateway:nonce:"

	ctxGateway = "gateway_address"
	ctxRequest = "signed_request"
)

// Middleware returns a Gin handler that accepts only requests signed (EIP-191)
// by one of the allowed gateway addresses. Each nonce is accepted once.
func Middleware(rdb *redis.Client, allowed []common.Address) gin.HandlerFunc {
	allow := make(map[common.Address]bool, len(allowed))
	for _, a := range allowed {
		allow[a] = true
	}

	return func(c *gin.Context) {
		gatewayAddr := c.GetHeader("X-Gateway-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Gateway-Signature")

		if gatewayAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}
		if !common.IsHexAddress(gatewayAddr) || !allow[common.HexToAddress(gatewayAddr)] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "gateway not allowed"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}
		if req.Nonce == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing nonce"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || recovered != common.HexToAddress(gatewayAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		// Nonce dedup via Redis SET NX, kept until the request would expire anyway.
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKeyPrefix+recovered.Hex()+":"+req.Nonce, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(ctxGateway, recovered.Hex())
		c.Set(ctxRequest, &req)
		c.Next()
	}
}

// RequireAction rejects signed requests whose action is not action.
func RequireAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := Request(c)
		if !ok || req.Action != action {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "action mismatch"})
			return
		}
		c.Next()
	}
}

// Request returns the verified signed request of the current call.
func Request(c *gin.Context) (*SignedRequest, bool) {
	v, ok := c.Get(ctxRequest)
	if !ok {
		return nil, false
	}
	req, ok := v.(*SignedRequest)
	return req, ok
}

// Gateway returns the address that signed the current call.
func Gateway(c *gin.Context) string { return c.GetString(ctxGateway) }
