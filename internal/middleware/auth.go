package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/handler"
	"github.com/jwalitptl/scheduling-api/internal/model"
)

const ContextActor = "actor"

type AuthMiddleware struct {
	secret []byte
}

func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// Claims carried by a scheduling token. Subject is the actor id;
// actor_type and identifier are custom claims.
type Claims struct {
	jwt.RegisteredClaims
	ActorType  string `json:"actor_type"`
	Identifier string `json:"identifier"`
}

// Authenticate verifies the bearer token and sets the actor in context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing authorization header"))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid authorization format"))
			c.Abort()
			return
		}

		actor, err := m.parseToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid token"))
			c.Abort()
			return
		}

		c.Set(ContextActor, actor)
		c.Next()
	}
}

// RequireEmployee gates the administrative endpoints.
func (m *AuthMiddleware) RequireEmployee() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok || !actor.IsEmployee() {
			c.JSON(http.StatusForbidden, handler.NewErrorResponse("employee access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (m *AuthMiddleware) parseToken(raw string) (model.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return model.Actor{}, err
	}
	if !token.Valid {
		return model.Actor{}, fmt.Errorf("token is not valid")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return model.Actor{}, fmt.Errorf("invalid subject: %w", err)
	}

	actorType := model.ActorType(claims.ActorType)
	switch actorType {
	case model.ActorPatient, model.ActorProvider, model.ActorEmployee:
	default:
		return model.Actor{}, fmt.Errorf("unknown actor type %q", claims.ActorType)
	}

	identifier := claims.Identifier
	if identifier == "" {
		identifier = claims.Subject
	}
	return model.Actor{Type: actorType, ID: id, Identifier: identifier}, nil
}

// ActorFrom extracts the authenticated actor set by Authenticate.
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ContextActor)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}
