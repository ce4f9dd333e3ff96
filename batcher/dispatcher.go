package batcher

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

const defaultDispatchTimeout = 30 * time.Second

// ClientDispatcher routes flushed batches to upstream services through the
// shared HTTP client pool. The first segment of an endpoint names the
// upstream service, the remainder is the request path.
type ClientDispatcher struct {
	client  types.ClientManager
	logger  types.Logger
	timeout time.Duration
}

// admissionChecker is implemented by client managers that can report
// upfront whether a service call would be admitted.
type admissionChecker interface {
	CanCall(serviceName string) error
}

func NewClientDispatcher(client types.ClientManager, logger types.Logger) (*ClientDispatcher, error) {
	if client == nil {
		return nil, types.ErrClientNotFound
	}

	return &ClientDispatcher{
		client:  client,
		logger:  logger,
		timeout: defaultDispatchTimeout,
	}, nil
}

func (d *ClientDispatcher) Prepare(ctx context.Context, method, endpoint string, requests []*types.BatchRequest) error {
	service, _, err := splitEndpoint(endpoint)
	if err != nil {
		return err
	}

	if checker, ok := d.client.(admissionChecker); ok {
		if err := checker.CanCall(service); err != nil {
			d.logger.Warn("Batch rejected before dispatch",
				zap.String("service", service),
				zap.String("method", method),
				zap.Int("batch_size", len(requests)),
				zap.Error(err))
			return err
		}
	}

	return nil
}

func (d *ClientDispatcher) Dispatch(ctx context.Context, request *types.BatchRequest) (interface{}, error) {
	service, path, err := splitEndpoint(request.Endpoint)
	if err != nil {
		return nil, err
	}

	opts := &types.CallOptions{
		Timeout: d.timeout,
		Headers: map[string]string{"X-Request-ID": request.ID},
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < opts.Timeout {
			opts.Timeout = remaining
		}
	}

	var data interface{}
	if len(request.Params) > 0 {
		data = request.Params
	}

	body, statusCode, err := d.client.Call(service, request.Method, path, data, opts)
	if err != nil {
		return nil, err
	}

	if statusCode >= 400 {
		return nil, types.Errorf(types.ErrClientResponseInvalid, "HTTP %d from %s%s", statusCode, service, path)
	}

	if len(body) == 0 {
		return nil, nil
	}

	var decoded interface{}
	if err := utils.Unmarshal(body, &decoded); err != nil {
		// non-JSON upstream payloads pass through untouched
		return body, nil
	}

	return decoded, nil
}

// splitEndpoint separates "service/some/path" into its service name and
// the path forwarded upstream.
func splitEndpoint(endpoint string) (service, path string, err error) {
	trimmed := strings.TrimPrefix(endpoint, "/")
	if trimmed == "" {
		return "", "", types.ErrBatchEndpointEmpty
	}

	if idx := strings.IndexByte(trimmed, '/'); idx > 0 {
		return trimmed[:idx], trimmed[idx:], nil
	}

	return trimmed, "/", nil
}
