// Package rpctransport is a real netquery.Dispatcher backed by a
// length-prefixed TCP protocol: workers dial in, register, and are
// handed queries one at a time while idle; results flow back over the same
// connection and are matched to the waiting task by token. The framing
// and worker-registration discipline are carried over from the
// original worker-pool coordinator this module's dispatcher core was
// generalized from.
package rpctransport

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
)

// wireMessage is the envelope every frame carries, mirroring the
// original coordinator's Type+Data split so unrelated message kinds
// (HELLO, HEARTBEAT) can share one framing without a wire schema
// change.
type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	msgHello = "HELLO"
	msgAck   = "ACK"
	msgTask  = "TASK"
	msgResult = "RESULT"
)

type helloPayload struct {
	WorkerID    string `json:"worker_id"`
	Concurrency int    `json:"concurrency"`
}

type ackPayload struct {
	WorkerID string `json:"worker_id"`
}

// taskPayload is what a worker receives: enough to execute the query
// and report back, without exposing the dispatcher's internal task
// bookkeeping.
type taskPayload struct {
	Token uint64 `json:"token"`
	Label string `json:"label"`
}

// resultPayload is what a worker reports back for a token it was
// handed. ErrorCode zero means success; LastTimeout carries a
// flood-wait hint independent of whether the call also errored.
type resultPayload struct {
	Token        uint64  `json:"token"`
	ErrorCode    int     `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
	LastTimeout  float64 `json:"last_timeout"`
}

// writeMessage sends a message with 4-byte big-endian length framing
// followed by the JSON body.
func writeMessage(conn net.Conn, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))
	if _, err := conn.Write(length); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// readMessage reads one length-prefixed JSON frame from conn.
func readMessage(conn net.Conn) (wireMessage, error) {
	var msg wireMessage
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return msg, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return msg, err
	}
	err := json.Unmarshal(data, &msg)
	return msg, err
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

func unmarshalResult(data json.RawMessage) (resultPayload, error) {
	var r resultPayload
	err := json.Unmarshal(data, &r)
	return r, err
}

func unmarshalHello(data json.RawMessage, out *helloPayload) error {
	return json.Unmarshal(data, out)
}
