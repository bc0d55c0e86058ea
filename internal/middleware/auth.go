package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/response"
)

// Context keys set by Auth
const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
	ContextToken     = "jwtToken"
)

// Claims is the token payload shared by syncd and the relay
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for identity. A zero ttl never expires.
func IssueToken(secret string, identity domain.Identity, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		UserID: identity.ID,
		Email:  identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identity.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenString and returns the identity it carries
func ParseToken(secret, tokenString string) (domain.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if !token.Valid {
		return domain.Identity{}, jwt.ErrTokenInvalidClaims
	}

	// "user_id" is ours, "sub" is what other issuers set
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return domain.Identity{}, fmt.Errorf("user ID not found in token")
	}
	return domain.Identity{ID: userID, Email: claims.Email}, nil
}

// Auth validates the bearer token locally. Websocket clients that cannot set
// headers may pass the token as the "token" query parameter. An empty secret
// disables the check.
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			response.SendError(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "Authorization header is required")
			c.Abort()
			return
		}

		identity, err := ParseToken(jwtSecret, tokenString)
		if err != nil {
			response.SendError(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, identity.ID)
		c.Set(ContextUserEmail, identity.Email)
		c.Set(ContextToken, tokenString)

		c.Next()
	}
}

// IdentityFrom returns the identity stored by Auth
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	id := c.GetString(ContextUserID)
	if id == "" {
		return domain.Identity{}, false
	}
	return domain.Identity{ID: id, Email: c.GetString(ContextUserEmail)}, true
}

func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}
