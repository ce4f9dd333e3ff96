package auth_providers

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type staticConfig struct {
	cfg *types.ServiceConfig
}

func (c *staticConfig) Load() error                     { return nil }
func (c *staticConfig) GetConfig() *types.ServiceConfig { return c.cfg }
func (c *staticConfig) Start() error                    { return nil }
func (c *staticConfig) Stop() error                     { return nil }
func (c *staticConfig) IsRunning() bool                 { return true }
func (c *staticConfig) GetAs(string, interface{}) error { return nil }
func (c *staticConfig) GetValue(_ string, def interface{}) interface{} {
	return def
}

func requestWithHeader(name, value string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	if name != "" {
		ctx.Request.Header.Set(name, value)
	}
	return ctx
}

func TestTokenProviderAcceptsEachHeaderForm(t *testing.T) {
	p := NewTokenAuthProvider("secret")

	cases := []struct {
		header string
		value  string
	}{
		{"Token", "secret"},
		{"Authorization", "Bearer secret"},
		{"Authorization", "Token secret"},
		{"Authorization", "secret"},
	}

	for _, tc := range cases {
		ctx := requestWithHeader(tc.header, tc.value)
		if err := p.ApplyToIncomingRequest(ctx); err != nil {
			t.Fatalf("%s: %s rejected: %v", tc.header, tc.value, err)
		}
	}
}

func TestTokenProviderRejectsWrongToken(t *testing.T) {
	p := NewTokenAuthProvider("secret")

	for _, value := range []string{"", "wrong", "Bearer wrong"} {
		ctx := requestWithHeader("Authorization", value)
		if err := p.ApplyToIncomingRequest(ctx); err == nil {
			t.Fatalf("token %q accepted", value)
		}
	}
}

func TestTokenProviderOutgoingRequest(t *testing.T) {
	p := NewTokenAuthProvider("secret")

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	authConfig := &types.ServiceAuthConfig{
		Payload: map[string]interface{}{"token": "upstream-token"},
	}
	if err := p.ApplyToOutgoingRequest(req, authConfig); err != nil {
		t.Fatalf("ApplyToOutgoingRequest: %v", err)
	}
	if got := string(req.Header.Peek("Token")); got != "upstream-token" {
		t.Fatalf("Token header = %q", got)
	}

	if err := p.ApplyToOutgoingRequest(req, nil); err == nil {
		t.Fatal("nil auth config accepted")
	}
}

func TestBasicProviderAcceptsValidCredentials(t *testing.T) {
	p := NewBasicAuthProvider("admin", "pw")

	encoded := base64.StdEncoding.EncodeToString([]byte("admin:pw"))
	ctx := requestWithHeader("Authorization", "Basic "+encoded)

	if err := p.ApplyToIncomingRequest(ctx); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if got := ctx.UserValue("authenticated_user"); got != "admin" {
		t.Fatalf("authenticated_user = %v", got)
	}
}

func TestBasicProviderSendsChallenge(t *testing.T) {
	p := NewBasicAuthProvider("admin", "pw")

	cases := []string{
		"",
		"Bearer something",
		"Basic not-base64!!!",
		"Basic " + base64.StdEncoding.EncodeToString([]byte("no-colon")),
		"Basic " + base64.StdEncoding.EncodeToString([]byte("admin:wrong")),
	}

	for _, header := range cases {
		ctx := requestWithHeader("Authorization", header)

		err := p.ApplyToIncomingRequest(ctx)
		if err == nil {
			t.Fatalf("header %q accepted", header)
		}
		if err.Error() != "basic_auth_challenge_sent" {
			t.Fatalf("header %q: err = %v", header, err)
		}
		if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
			t.Fatalf("header %q: status = %d", header, ctx.Response.StatusCode())
		}
		if got := string(ctx.Response.Header.Peek("WWW-Authenticate")); got == "" {
			t.Fatalf("header %q: missing WWW-Authenticate", header)
		}
	}
}

func TestManagerBuildsConfiguredProviders(t *testing.T) {
	cfg := &staticConfig{cfg: &types.ServiceConfig{
		AuthProviders: &types.AuthProvidersConfig{
			Token: &types.AuthProviderItemConfig{
				Enabled: true,
				Params:  map[string]interface{}{"token": "secret"},
			},
			Basic: &types.AuthProviderItemConfig{
				Enabled: true,
				Params:  map[string]interface{}{"username": "admin", "password": "pw"},
			},
		},
	}}

	m, err := NewAuthProviderManager(context.Background(), cfg, logger.NewZapWrapper(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewAuthProviderManager: %v", err)
	}

	for _, name := range []string{"token", "basic"} {
		if _, ok := m.Get(name); !ok {
			t.Fatalf("provider %s not registered", name)
		}
	}
}

func TestManagerRejectsRegistrationWhileRunning(t *testing.T) {
	cfg := &staticConfig{cfg: &types.ServiceConfig{}}

	m, err := NewAuthProviderManager(context.Background(), cfg, logger.NewZapWrapper(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewAuthProviderManager: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Register("late", NewTokenAuthProvider("x")); !types.IsError(err, types.ErrServerAlreadyRunning) {
		t.Fatalf("Register while running: got %v, want ErrServerAlreadyRunning", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestManagerRejectsDuplicateProvider(t *testing.T) {
	cfg := &staticConfig{cfg: &types.ServiceConfig{}}

	m, err := NewAuthProviderManager(context.Background(), cfg, logger.NewZapWrapper(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewAuthProviderManager: %v", err)
	}

	if err := m.Register("token", NewTokenAuthProvider("a")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := m.Register("token", NewTokenAuthProvider("b")); err == nil {
		t.Fatal("duplicate Register accepted")
	}
}
