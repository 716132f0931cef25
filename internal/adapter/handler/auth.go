package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/voucher-seckill/internal/core/identity"
)

var errInvalidToken = errors.New("invalid token")

// Authenticator resolves HS256 bearer tokens issued by the user service into
// a user id. It never issues tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) UserID(tokenStr string) (int64, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return 0, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errInvalidToken
	}

	var id int64
	switch v := claims["user_id"].(type) {
	case float64:
		id = int64(v)
	case string:
		id, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errInvalidToken
		}
	default:
		return 0, errInvalidToken
	}
	if id <= 0 {
		return 0, errInvalidToken
	}
	return id, nil
}

// resolve attaches the user of header to ctx. An empty header leaves ctx
// anonymous; a present but invalid one is an error.
func (a *Authenticator) resolve(ctx context.Context, header string) (context.Context, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ctx, nil
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	id, err := a.UserID(tokenStr)
	if err != nil {
		return ctx, err
	}
	return identity.WithUserID(ctx, id), nil
}

// Middleware resolves the Authorization header into the request identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := a.resolve(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, Response{Success: false, Message: "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UnaryInterceptor resolves the authorization metadata into the call identity.
func (a *Authenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			var err error
			ctx, err = a.resolve(ctx, vals[0])
			if err != nil {
				return nil, status.Error(codes.Unauthenticated, "invalid token")
			}
		}
	}
	return handler(ctx, req)
}
