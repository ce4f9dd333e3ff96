package batcher

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type fakeClient struct {
	calls      []clientCall
	body       []byte
	statusCode int
	callErr    error
	admitErr   error
}

type clientCall struct {
	service string
	method  string
	path    string
	data    interface{}
}

func (c *fakeClient) Start() error    { return nil }
func (c *fakeClient) Stop() error     { return nil }
func (c *fakeClient) IsRunning() bool { return true }

func (c *fakeClient) Call(serviceName, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	c.calls = append(c.calls, clientCall{service: serviceName, method: method, path: path, data: data})
	if c.callErr != nil {
		return nil, 0, c.callErr
	}
	status := c.statusCode
	if status == 0 {
		status = 200
	}
	return c.body, status, nil
}

func (c *fakeClient) CanCall(serviceName string) error {
	return c.admitErr
}

func newTestDispatcher(t *testing.T, client types.ClientManager) *ClientDispatcher {
	t.Helper()

	d, err := NewClientDispatcher(client, logger.NewZapWrapper(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewClientDispatcher: %v", err)
	}
	return d
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		endpoint string
		service  string
		path     string
		wantErr  bool
	}{
		{"inventory/api/v1/items", "inventory", "/api/v1/items", false},
		{"/inventory/api/v1/items", "inventory", "/api/v1/items", false},
		{"inventory", "inventory", "/", false},
		{"", "", "", true},
		{"/", "", "", true},
	}

	for _, tc := range cases {
		service, path, err := splitEndpoint(tc.endpoint)
		if tc.wantErr {
			if !types.IsError(err, types.ErrBatchEndpointEmpty) {
				t.Fatalf("%q: got %v, want ErrBatchEndpointEmpty", tc.endpoint, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.endpoint, err)
		}
		if service != tc.service || path != tc.path {
			t.Fatalf("%q: got (%s, %s), want (%s, %s)", tc.endpoint, service, path, tc.service, tc.path)
		}
	}
}

func TestClientDispatcherPrepareAdmission(t *testing.T) {
	client := &fakeClient{}
	d := newTestDispatcher(t, client)

	requests := []*types.BatchRequest{{Method: "GET", Endpoint: "inventory/api/v1/items"}}
	if err := d.Prepare(context.Background(), "GET", "inventory/api/v1/items", requests); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	client.admitErr = fmt.Errorf("circuit open")
	if err := d.Prepare(context.Background(), "GET", "inventory/api/v1/items", requests); err == nil {
		t.Fatal("Prepare must surface the admission error")
	}
}

func TestClientDispatcherDispatchDecodesJSON(t *testing.T) {
	client := &fakeClient{body: []byte(`{"id":42,"name":"widget"}`)}
	d := newTestDispatcher(t, client)

	result, err := d.Dispatch(context.Background(), &types.BatchRequest{
		ID:       "req-1",
		Method:   "GET",
		Endpoint: "inventory/api/v1/items/item",
		Params:   map[string]interface{}{"id": 42},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	decoded, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("result type = %T, want map", result)
	}
	if decoded["name"] != "widget" {
		t.Fatalf("name = %v, want widget", decoded["name"])
	}

	call := client.calls[0]
	if call.service != "inventory" || call.path != "/api/v1/items/item" || call.method != "GET" {
		t.Fatalf("call = %+v", call)
	}
	if call.data == nil {
		t.Fatal("params must be forwarded as the request data")
	}
}

func TestClientDispatcherDispatchPassesThroughNonJSON(t *testing.T) {
	client := &fakeClient{body: []byte("plain text")}
	d := newTestDispatcher(t, client)

	result, err := d.Dispatch(context.Background(), &types.BatchRequest{ID: "req-1", Method: "GET", Endpoint: "inventory/status"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	body, ok := result.([]byte)
	if !ok || string(body) != "plain text" {
		t.Fatalf("result = %v (%T), want raw body", result, result)
	}
}

func TestClientDispatcherDispatchErrorStatus(t *testing.T) {
	client := &fakeClient{statusCode: 404, body: []byte(`{"error":"not found"}`)}
	d := newTestDispatcher(t, client)

	_, err := d.Dispatch(context.Background(), &types.BatchRequest{ID: "req-1", Method: "GET", Endpoint: "inventory/api/v1/items/item"})
	if !types.IsError(err, types.ErrClientResponseInvalid) {
		t.Fatalf("got %v, want ErrClientResponseInvalid", err)
	}
}

func TestClientDispatcherRequiresClient(t *testing.T) {
	if _, err := NewClientDispatcher(nil, logger.NewZapWrapper(zap.NewNop())); !types.IsError(err, types.ErrClientNotFound) {
		t.Fatalf("got %v, want ErrClientNotFound", err)
	}
}
