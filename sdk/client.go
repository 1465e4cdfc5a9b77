package sdk

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/txn"
)

type Config struct {
	Endpoint string
	Timeout  time.Duration
	// InteractiveKey keeps one worker across requests, needed for Begin/Commit/Rollback.
	InteractiveKey string
	// CoordinatorKey routes writes through the coordinator.
	CoordinatorKey string
}

// Client calls the file operations API as one logged in session.
type Client struct {
	cfg   Config
	t     transport
	token string
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg, t: newTransport(cfg.Endpoint, cfg.Timeout)}
}

type OpsRequest struct {
	TxID        string  `json:"tx,omitempty"`
	Owner       string  `json:"o,omitempty"`
	Path        string  `json:"p,omitempty"`
	TargetOwner string  `json:"to,omitempty"`
	TargetPath  string  `json:"tp,omitempty"`
	Offset      int64   `json:"off,omitempty"`
	Limit       int64   `json:"l,omitempty"`
	Recursive   bool    `json:"r,omitempty"`
	Data        []byte  `json:"d,omitempty"`
	MD5         string  `json:"md5,omitempty"`
	Participant string  `json:"pid,omitempty"`
	Op          *txn.Op `json:"op,omitempty"`
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", c.token)
	}
	if c.cfg.InteractiveKey != "" {
		h.Set(HeaderInteractiveKey, c.cfg.InteractiveKey)
	}
	if c.cfg.CoordinatorKey != "" {
		h.Set(HeaderCoordinatorKey, c.cfg.CoordinatorKey)
	}
	return h
}

func (c *Client) Login(ctx context.Context, usr, pwd string) error {
	var out struct {
		Token string `json:"access_token"`
	}
	if err := c.t.post(ctx, "/api/login", nil, map[string]string{"u": usr, "p": pwd}, &out); err != nil {
		return err
	}
	c.token = out.Token
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.t.post(ctx, "/api/logout", c.header(), struct{}{}, nil)
	c.token = ""
	return err
}

// Ops calls /api/ops/method and decodes the answer data into out.
func (c *Client) Ops(ctx context.Context, method string, req OpsRequest, out interface{}) error {
	return c.t.post(ctx, "/api/ops/"+method, c.header(), req, out)
}

func (c *Client) List(ctx context.Context, owner, p string, recursive bool) ([]afs.FileEntry, error) {
	var out struct {
		Entries []afs.FileEntry `json:"e"`
	}
	err := c.Ops(ctx, "list", OpsRequest{Owner: owner, Path: p, Recursive: recursive}, &out)
	return out.Entries, err
}

// Read returns up to limit bytes from offset, limit <= 0 reads to the end.
func (c *Client) Read(ctx context.Context, owner, p string, offset, limit int64) ([]byte, error) {
	var out struct {
		Data []byte `json:"d"`
	}
	err := c.Ops(ctx, "read", OpsRequest{Owner: owner, Path: p, Offset: offset, Limit: limit}, &out)
	return out.Data, err
}

func (c *Client) Write(ctx context.Context, owner, p string, offset int64, data []byte) error {
	return c.Ops(ctx, "write", OpsRequest{Owner: owner, Path: p, Offset: offset, Data: data, MD5: MD5Hex(data)}, nil)
}

// Upload writes reader to owner:p chunk by chunk. Outside an interactive transaction
// each chunk commits on its own.
func (c *Client) Upload(ctx context.Context, owner, p string, reader io.Reader, chunkSize int) error {
	return SplitChunks(reader, chunkSize, func(ch Chunk) error {
		return c.Ops(ctx, "write", OpsRequest{Owner: owner, Path: p, Offset: ch.Offset, Data: ch.Data, MD5: ch.MD5}, nil)
	})
}

func (c *Client) Delete(ctx context.Context, owner, p string) error {
	return c.Ops(ctx, "delete", OpsRequest{Owner: owner, Path: p}, nil)
}

func (c *Client) Copy(ctx context.Context, owner, p, targetOwner, targetPath string) error {
	return c.Ops(ctx, "copy", OpsRequest{Owner: owner, Path: p, TargetOwner: targetOwner, TargetPath: targetPath}, nil)
}

func (c *Client) Move(ctx context.Context, owner, p, targetOwner, targetPath string) error {
	return c.Ops(ctx, "move", OpsRequest{Owner: owner, Path: p, TargetOwner: targetOwner, TargetPath: targetPath}, nil)
}

func (c *Client) Begin(ctx context.Context) (uuid.UUID, error) {
	var out struct {
		TxID uuid.UUID `json:"tx"`
	}
	err := c.Ops(ctx, "begin", OpsRequest{}, &out)
	return out.TxID, err
}

// Execute enrolls op with a participant of the open transaction, in transaction manager mode.
func (c *Client) Execute(ctx context.Context, participantID string, op txn.Op) (txn.Result, error) {
	var out struct {
		Result txn.Result `json:"result"`
	}
	err := c.Ops(ctx, "execute", OpsRequest{Participant: participantID, Op: &op}, &out)
	return out.Result, err
}

func (c *Client) Commit(ctx context.Context) (txn.Outcome, error) {
	var out struct {
		Outcome txn.Outcome `json:"outcome"`
	}
	err := c.Ops(ctx, "commit", OpsRequest{}, &out)
	return out.Outcome, err
}

func (c *Client) Rollback(ctx context.Context) error {
	return c.Ops(ctx, "rollback", OpsRequest{}, nil)
}
