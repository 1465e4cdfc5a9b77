package sdk

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orcastor/afs/txn"
)

type txRequest struct {
	Method      string  `json:"method"`
	Key         string  `json:"key"`
	TxID        string  `json:"tx,omitempty"`
	Session     string  `json:"session,omitempty"`
	Participant string  `json:"pid,omitempty"`
	Op          *txn.Op `json:"op,omitempty"`
}

// RemoteParticipant is a participant served by another process, it speaks the
// /api/participant protocol with the coordinator key.
type RemoteParticipant struct {
	id  string
	key string
	t   transport
}

var _ txn.Participant = (*RemoteParticipant)(nil)

func NewRemoteParticipant(id, endpoint, coordinatorKey string, timeout time.Duration) *RemoteParticipant {
	return &RemoteParticipant{id: id, key: coordinatorKey, t: newTransport(endpoint, timeout)}
}

func (p *RemoteParticipant) ID() string     { return p.id }
func (p *RemoteParticipant) Kind() txn.Kind { return txn.KindRemote }

func (p *RemoteParticipant) call(ctx context.Context, method string, txID uuid.UUID, session string, op *txn.Op, out interface{}) error {
	req := txRequest{Method: method, Key: p.key, Session: session, Participant: p.id, Op: op}
	if txID != uuid.Nil {
		req.TxID = txID.String()
	}
	return p.t.post(ctx, "/api/participant", nil, req, out)
}

func (p *RemoteParticipant) Begin(ctx context.Context, txID uuid.UUID, session string) error {
	return p.call(ctx, "begin", txID, session, nil, nil)
}

func (p *RemoteParticipant) Execute(ctx context.Context, txID uuid.UUID, session string, op txn.Op) (txn.Result, error) {
	var out struct {
		Result txn.Result `json:"result"`
	}
	err := p.call(ctx, "execute", txID, session, &op, &out)
	return out.Result, err
}

func (p *RemoteParticipant) Prepare(ctx context.Context, txID uuid.UUID) error {
	return p.call(ctx, "prepare", txID, "", nil, nil)
}

func (p *RemoteParticipant) Commit(ctx context.Context, txID uuid.UUID) error {
	return p.call(ctx, "commit", txID, "", nil, nil)
}

func (p *RemoteParticipant) Rollback(ctx context.Context, txID uuid.UUID) error {
	return p.call(ctx, "rollback", txID, "", nil, nil)
}

func (p *RemoteParticipant) Recover(ctx context.Context, txID uuid.UUID) (txn.Outcome, error) {
	var out struct {
		Outcome txn.Outcome `json:"outcome"`
	}
	if err := p.call(ctx, "recover", txID, "", nil, &out); err != nil {
		return txn.OutcomeUnknown, err
	}
	return out.Outcome, nil
}

func (p *RemoteParticipant) Transactions(ctx context.Context) ([]uuid.UUID, error) {
	var out struct {
		TxIDs []uuid.UUID `json:"txs"`
	}
	err := p.call(ctx, "transactions", uuid.Nil, "", nil, &out)
	return out.TxIDs, err
}
