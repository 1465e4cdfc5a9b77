package sdk

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gotomicro/ego/client/ehttp"

	"github.com/orcastor/afs/core"
)

const (
	HeaderInteractiveKey = "X-Interactive-Session-Key"
	HeaderCoordinatorKey = "X-Transaction-Manager-Key"
)

type response struct {
	Code  int             `json:"code"`
	Msg   string          `json:"msg"`
	Retry bool            `json:"retry"`
	Data  json.RawMessage `json:"data"`
}

type transport struct {
	cli *ehttp.Component
}

func newTransport(endpoint string, timeout time.Duration) transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return transport{
		cli: ehttp.DefaultContainer().Build(
			ehttp.WithAddr(strings.TrimRight(endpoint, "/")),
			ehttp.WithReadTimeout(timeout),
			ehttp.WithEnableTraceInterceptor(false),
		),
	}
}

// post sends body as json to path and decodes the data of a successful answer into out.
// Failures to reach the server are retriable, errors answered by the server keep their class.
func (t transport) post(ctx context.Context, path string, header http.Header, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ERR_INVALID_ARGS)
	}
	req := t.cli.R().SetContext(ctx).SetBody(b)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := req.Post(path)
	if err != nil {
		return core.Retriable(fmt.Errorf("%s: %v: %w", path, err, core.ERR_UNREACHABLE))
	}
	if resp.StatusCode() != http.StatusOK {
		return core.Retriable(fmt.Errorf("%s: http %d: %w", path, resp.StatusCode(), core.ERR_UNREACHABLE))
	}

	var r response
	if err := json.Unmarshal(resp.Body(), &r); err != nil {
		return core.Retriable(fmt.Errorf("%s: %v: %w", path, err, core.ERR_UNREACHABLE))
	}
	if r.Code != 0 {
		return core.ErrorFromCode(r.Code, r.Msg, r.Retry)
	}
	if out != nil && len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, out); err != nil {
			return fmt.Errorf("%s: %v: %w", path, err, core.ERR_INVALID_ARGS)
		}
	}
	return nil
}
