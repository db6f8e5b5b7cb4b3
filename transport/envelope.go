// Package transport implements §6: the framed request/response
// envelope, the five /storage/* commands, and a websocket-based duplex
// stream carrying them, wired with chi for HTTP routing and
// gorilla/websocket for the framed byte stream.
package transport

import (
	"encoding/json"

	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/txn"
)

// Command names §6.1 fixes as the invocation's cmd field.
const (
	CmdHello       = "/storage/hello"
	CmdSubscribe   = "/storage/subscribe"
	CmdGet         = "/storage/get"
	CmdTx          = "/storage/tx"
	CmdUnsubscribe = "/storage/unsubscribe"
)

// Invocation is §6.1's client->server request envelope.
type Invocation struct {
	Iss  string          `json:"iss"`
	Cmd  string          `json:"cmd"`
	Sub  string          `json:"sub"` // space id
	Args json.RawMessage `json:"args"`
	Prf  string          `json:"prf,omitempty"`
	Auth Authorization   `json:"authorization"`
}

// Authorization carries the bearer credential validated by the auth package
// before dispatch (§6.4).
type Authorization struct {
	Signature string `json:"signature,omitempty"`
	Access    string `json:"access"`
}

// HelloArgs is /storage/hello's args.
type HelloArgs struct {
	ClientID   string `json:"clientId"`
	SinceEpoch int64  `json:"sinceEpoch"`
}

// SubscribeArgs is /storage/subscribe's args.
type SubscribeArgs struct {
	ConsumerID string         `json:"consumerId"`
	Query      registry.Query `json:"query"`
}

// GetArgs is /storage/get's args -- a one-shot read with no live deliveries.
type GetArgs struct {
	ConsumerID string         `json:"consumerId"`
	Query      registry.Query `json:"query"`
}

// TxArgs is /storage/tx's args.
type TxArgs struct {
	Reads  []txn.ReadAssertion `json:"reads"`
	Writes []txn.WriteRecord   `json:"writes"`
}

// UnsubscribeArgs is /storage/unsubscribe's args.
type UnsubscribeArgs struct {
	SubscriptionID string `json:"subscriptionId"`
}

// TaskReturn is §6.1's `{the:"task/return", is:{...}}` frame.
type TaskReturn struct {
	The string      `json:"the"`
	Is  interface{} `json:"is"`
}

func taskReturn(is interface{}) TaskReturn { return TaskReturn{The: "task/return", Is: is} }

// DeliverFrame is §6.1's subscription batch frame.
type DeliverFrame struct {
	Type  string      `json:"type"`
	Epoch uint64      `json:"epoch"`
	Docs  interface{} `json:"docs"`
}

// CompleteIs is the payload of the backfill-completion task/return.
type CompleteIs struct {
	Type string `json:"type"`
}

// AckFrame is §6.1's client->server ack.
type AckFrame struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	Epoch    uint64 `json:"epoch"`
}

// HelloResult is /storage/hello's task/return payload.
type HelloResult struct {
	OK           bool   `json:"ok"`
	CurrentEpoch uint64 `json:"currentEpoch"`
}

// TxResult is /storage/tx's task/return payload.
type TxResult struct {
	Status    string              `json:"status"`
	TxID      string              `json:"txId"`
	Epoch     uint64              `json:"epoch,omitempty"`
	Results   []txn.WriteResult   `json:"results,omitempty"`
	Conflicts []txn.ConflictEntry `json:"conflicts,omitempty"`
}

// ErrorResult is returned for MalformedRequest/Unauthorized/Forbidden
// outcomes (§7); the transport stays open at request granularity.
type ErrorResult struct {
	Error string `json:"error"`
}
