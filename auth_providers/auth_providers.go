package auth_providers

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// TokenAuthProvider authenticates requests against a single shared token.
// The token is accepted from the Token header or an Authorization header
// with a Bearer or Token scheme.
type TokenAuthProvider struct {
	token string
}

func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{token: token}
}

func (p *TokenAuthProvider) Type() string {
	return "token"
}

func (p *TokenAuthProvider) ApplyToIncomingRequest(ctx *fasthttp.RequestCtx) error {
	token := p.extractToken(ctx)
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.token)) != 1 {
		return errors.New("invalid Token")
	}
	return nil
}

func (p *TokenAuthProvider) ApplyToOutgoingRequest(req *fasthttp.Request, authConfig *types.ServiceAuthConfig) error {
	if authConfig == nil || authConfig.Payload == nil {
		return errors.New("auth config is required for token authentication")
	}

	token, ok := authConfig.Payload["token"].(string)
	if !ok {
		return errors.New("token not found in auth payload")
	}

	req.Header.Set("Token", token)
	return nil
}

func (p *TokenAuthProvider) extractToken(ctx *fasthttp.RequestCtx) string {
	if token := string(ctx.Request.Header.Peek("Token")); token != "" {
		return token
	}

	authHeader := string(ctx.Request.Header.Peek("Authorization"))
	for _, scheme := range []string{"Bearer ", "Token "} {
		if strings.HasPrefix(authHeader, scheme) {
			return strings.TrimPrefix(authHeader, scheme)
		}
	}

	return authHeader
}

// BasicAuthProvider authenticates requests with HTTP basic credentials.
// Failed attempts receive a browser challenge response rather than a bare
// 401, signalled to the caller through the basic_auth_challenge_sent error.
type BasicAuthProvider struct {
	username string
	password string
	realm    string
}

func NewBasicAuthProvider(username, password string) *BasicAuthProvider {
	return &BasicAuthProvider{
		username: username,
		password: password,
		realm:    "Protected Area",
	}
}

func (p *BasicAuthProvider) Type() string {
	return "basic"
}

func (p *BasicAuthProvider) ApplyToIncomingRequest(ctx *fasthttp.RequestCtx) error {
	authHeader := string(ctx.Request.Header.Peek("Authorization"))

	if authHeader == "" {
		return p.sendAuthChallenge(ctx, "Authorization header required")
	}

	if !strings.HasPrefix(authHeader, "Basic ") {
		return p.sendAuthChallenge(ctx, "Basic authentication required")
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
	if err != nil {
		return p.sendAuthChallenge(ctx, "Invalid authentication encoding")
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return p.sendAuthChallenge(ctx, "Invalid authentication format")
	}

	userOK := subtle.ConstantTimeCompare([]byte(parts[0]), []byte(p.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(parts[1]), []byte(p.password)) == 1
	if !userOK || !passOK {
		return p.sendAuthChallenge(ctx, "Invalid username or password")
	}

	ctx.SetUserValue("authenticated_user", parts[0])
	ctx.SetUserValue("auth_type", "basic")

	return nil
}

func (p *BasicAuthProvider) sendAuthChallenge(ctx *fasthttp.RequestCtx, message string) error {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)

	ctx.Response.Header.Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, p.realm))
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	ctx.SetContentType("application/json")
	ctx.SetBodyString(fmt.Sprintf(
		`{"error":"Authentication Required","message":%q,"realm":%q,"type":"basic_auth_challenge"}`,
		message, p.realm))

	return errors.New("basic_auth_challenge_sent")
}

func (p *BasicAuthProvider) ApplyToOutgoingRequest(req *fasthttp.Request, authConfig *types.ServiceAuthConfig) error {
	if authConfig == nil || authConfig.Payload == nil {
		return errors.New("auth config is required for basic authentication")
	}

	username, okUser := authConfig.Payload["username"].(string)
	password, okPass := authConfig.Payload["password"].(string)

	if !okUser || !okPass {
		return errors.New("username and password not found in auth payload")
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	req.Header.Set("Authorization", "Basic "+credentials)

	return nil
}

func (p *BasicAuthProvider) SetRealm(realm string) {
	p.realm = realm
}
