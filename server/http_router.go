package server

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

var methodIndex = map[string]uint8{
	"GET":    0,
	"POST":   1,
	"PUT":    2,
	"DELETE": 3,
	"PATCH":  4,
}

const methodCount = 5

// FastHTTPRouter matches static paths through a map lookup and
// parameterized paths ({name} or :name segments) through a trie. Captured
// parameters are exposed to handlers under the "route_params" user value.
type FastHTTPRouter struct {
	mu           sync.RWMutex
	staticRoutes map[string]*types.RouteInfo
	root         *routeNode
}

type routeNode struct {
	staticChildren map[string]*routeNode
	paramChild     *routeNode
	paramName      string
	handlers       [methodCount]types.FastHTTPHandler
	configs        [methodCount]*types.RouteConfig
	methodMask     uint8
}

func newRouteNode() *routeNode {
	return &routeNode{staticChildren: make(map[string]*routeNode)}
}

func NewFastHTTPRouter() (*FastHTTPRouter, error) {
	return &FastHTTPRouter{
		staticRoutes: make(map[string]*types.RouteInfo),
		root:         newRouteNode(),
	}, nil
}

func (r *FastHTTPRouter) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	methodIdx, ok := methodIndex[method]
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(path, "{:") {
		r.staticRoutes[method+":"+path] = &types.RouteInfo{
			Handler: handler,
			Config:  config,
		}
		return
	}

	node := r.root
	for _, segment := range splitPath(path) {
		if name, isParam := paramName(segment); isParam {
			if node.paramChild == nil {
				node.paramChild = newRouteNode()
				node.paramChild.paramName = name
			}
			node = node.paramChild
		} else {
			child, exists := node.staticChildren[segment]
			if !exists {
				child = newRouteNode()
				node.staticChildren[segment] = child
			}
			node = child
		}
	}

	node.handlers[methodIdx] = handler
	node.configs[methodIdx] = config
	node.methodMask |= 1 << methodIdx
}

func (r *FastHTTPRouter) Handler(ctx *fasthttp.RequestCtx, server types.HTTPServer) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	methodIdx, ok := methodIndex[method]
	if !ok {
		ctx.Error("Method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	r.mu.RLock()
	info := r.staticRoutes[method+":"+path]
	r.mu.RUnlock()

	if info != nil {
		ctx.SetUserValue("route_params", nil)
		server.HandleRequest(ctx, info.Handler, info.Config)
		return
	}

	params := make(map[string]string, 2)
	r.mu.RLock()
	handler, config := matchNode(r.root, splitPath(path), 0, methodIdx, params)
	r.mu.RUnlock()

	if handler == nil {
		ctx.Error("Not found", fasthttp.StatusNotFound)
		return
	}

	if len(params) == 0 {
		ctx.SetUserValue("route_params", nil)
	} else {
		ctx.SetUserValue("route_params", params)
	}
	server.HandleRequest(ctx, handler, config)
}

// matchNode walks the trie preferring static segments over parameter
// captures, backtracking when a static branch dead-ends.
func matchNode(node *routeNode, segments []string, index int, methodIdx uint8, params map[string]string) (types.FastHTTPHandler, *types.RouteConfig) {
	if index >= len(segments) {
		if node.methodMask&(1<<methodIdx) != 0 {
			return node.handlers[methodIdx], node.configs[methodIdx]
		}
		return nil, nil
	}

	segment := segments[index]

	if child, exists := node.staticChildren[segment]; exists {
		if handler, config := matchNode(child, segments, index+1, methodIdx, params); handler != nil {
			return handler, config
		}
	}

	if node.paramChild != nil {
		params[node.paramChild.paramName] = segment
		if handler, config := matchNode(node.paramChild, segments, index+1, methodIdx, params); handler != nil {
			return handler, config
		}
		delete(params, node.paramChild.paramName)
	}

	return nil, nil
}

func (r *FastHTTPRouter) GetAllRoutes() map[string]*types.RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]*types.RouteInfo, len(r.staticRoutes))
	for key, info := range r.staticRoutes {
		routes[key] = info
	}
	collectRoutes(r.root, "", routes)
	return routes
}

func collectRoutes(node *routeNode, prefix string, routes map[string]*types.RouteInfo) {
	for method, methodIdx := range methodIndex {
		if node.methodMask&(1<<methodIdx) != 0 {
			routes[method+":"+prefix] = &types.RouteInfo{
				Handler: node.handlers[methodIdx],
				Config:  node.configs[methodIdx],
			}
		}
	}

	for segment, child := range node.staticChildren {
		collectRoutes(child, prefix+"/"+segment, routes)
	}
	if node.paramChild != nil {
		collectRoutes(node.paramChild, prefix+"/{"+node.paramChild.paramName+"}", routes)
	}
}

func paramName(segment string) (string, bool) {
	if len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}' {
		return segment[1 : len(segment)-1], true
	}
	if len(segment) > 1 && segment[0] == ':' {
		return segment[1:], true
	}
	return "", false
}

func splitPath(path string) []string {
	segments := make([]string, 0, 6)
	start := 1
	for i := 1; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	return segments
}
