package middleware

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/pkg/httpcontext"
)

// JWTAuth verifies an HS256 bearer token and exposes its wallet address to
// handlers through the X-Wallet-Address header. The address is read from the
// "address" claim, falling back to "sub". A non-empty issuer must match the
// "iss" claim.
func JWTAuth(secret, issuer string, logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			// never trust a client-supplied identity header
			ctx.Request.Header.Del(httpcontext.HeaderWalletAddress)

			tokenString := extractToken(ctx)
			if tokenString == "" {
				unauthorized(ctx, "missing bearer token")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("invalid jwt token", zap.Error(err))
				unauthorized(ctx, "invalid token")
				return
			}

			if issuer != "" && !issuedBy(token.Claims, issuer) {
				logger.Warn("jwt token from unexpected issuer", zap.String("issuer", issuer))
				unauthorized(ctx, "invalid token issuer")
				return
			}

			address := walletAddress(token.Claims)
			if address == "" {
				logger.Warn("jwt token carries no wallet address")
				unauthorized(ctx, "token carries no wallet address")
				return
			}
			ctx.Request.Header.Set(httpcontext.HeaderWalletAddress, address)

			next(ctx)
		}
	}
}

func walletAddress(claims jwt.Claims) string {
	mapClaims, ok := claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, key := range []string{"address", "sub"} {
		if value, ok := mapClaims[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func issuedBy(claims jwt.Claims, issuer string) bool {
	mapClaims, ok := claims.(jwt.MapClaims)
	return ok && mapClaims.VerifyIssuer(issuer, true)
}

func unauthorized(ctx *fasthttp.RequestCtx, message string) {
	ctx.Response.Header.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetBodyString(transport.NewError(string(domain.ErrCodeUnauthorized), message, nil).String())
}

func extractToken(ctx *fasthttp.RequestCtx) string {
	header := string(ctx.Request.Header.Peek("Authorization"))
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}
