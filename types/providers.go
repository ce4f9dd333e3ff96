package types

import "github.com/valyala/fasthttp"

type AuthProviderManager interface {
	LifecycleManager
	Register(name string, provider AuthProvider) error
	Get(name string) (AuthProvider, bool)
}

type AuthProvider interface {
	Type() string
	ApplyToIncomingRequest(ctx *fasthttp.RequestCtx) error
	ApplyToOutgoingRequest(req *fasthttp.Request, authConfig *ServiceAuthConfig) error
}
