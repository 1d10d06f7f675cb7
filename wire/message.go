package wire

import "encoding/json"

// Handshake is the signed identity announcement exchanged at connection
// start. Canonical signing string:
// "wire:handshake:" ‖ nodeId ‖ ":" ‖ chainId ‖ ":" ‖ nonce
type Handshake struct {
	NodeId    string    `json:"nodeId"`
	ChainId   string    `json:"chainId"`
	Height    U64String `json:"height"`
	Nonce     string    `json:"nonce"` // "<ms>:<uuid>"
	Signature string    `json:"signature"`
}

// HandshakeAck has the same signed shape as Handshake.
type HandshakeAck = Handshake

// BlockMessage carries a serialized chain block. Payload is the block's own
// JSON encoding (opaque to the wire layer).
type BlockMessage struct {
	Block json.RawMessage `json:"block"`
}

// TransactionMessage carries one raw transaction.
type TransactionMessage struct {
	RawTx json.RawMessage `json:"rawTx"`
}

// BftVoteMessage is the wire encoding of a BftMessage (prepare or commit).
// Canonical signing string: "bft:" ‖ type ‖ ":" ‖ height ‖ ":" ‖ blockHash
type BftVoteMessage struct {
	Type      string    `json:"type"` // "prepare" | "commit"
	Height    U64String `json:"height"`
	BlockHash string    `json:"blockHash"`
	SenderId  string    `json:"senderId"`
	Signature string    `json:"signature"`
}

// FindNodeMessage requests the peers closest to Target.
type FindNodeMessage struct {
	RequestId string `json:"requestId"`
	Target    string `json:"target"`
}

// FindNodeResponseMessage answers a FindNodeMessage.
type FindNodeResponseMessage struct {
	RequestId string        `json:"requestId"`
	Peers     []WirePeerRef `json:"peers"`
}

// WirePeerRef is the wire representation of a DHT peer reference.
type WirePeerRef struct {
	Id      string    `json:"id"`
	Address string    `json:"address"`
	Seen    U64String `json:"lastSeenMs"`
}

// PingMessage carries a nonce echoed back in the matching Pong.
type PingMessage struct {
	Nonce string `json:"nonce"`
}

// PongMessage echoes a Ping for latency measurement.
type PongMessage struct {
	Nonce string `json:"nonce"`
}
