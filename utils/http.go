package utils

import "github.com/valyala/fasthttp"

func noCacheHeaders(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}
}

// RouteParam returns the named path parameter captured by the router.
func RouteParam(ctx *fasthttp.RequestCtx, name string) string {
	if params, ok := ctx.UserValue("route_params").(map[string]string); ok {
		return params[name]
	}
	return ""
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")
	noCacheHeaders(ctx)
	ctx.SetBodyString(`{"success":false,"error":"Internal Server Error","message":"An unexpected error occurred"}`)
}

func CreateUnauthorizedResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	noCacheHeaders(ctx)
	ctx.SetBodyString(`{"success":false,"error":"Unauthorized","message":"Authentication required"}`)
}

func CreateBadRequestResponse(ctx *fasthttp.RequestCtx, message string) {
	ctx.SetStatusCode(fasthttp.StatusBadRequest)
	ctx.SetContentType("application/json")
	noCacheHeaders(ctx)
	ctx.SetBodyString(`{"success":false,"error":"Bad Request","message":"` + message + `"}`)
}
