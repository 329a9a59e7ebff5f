package rpc

import (
	"encoding/json"

	"github.com/ybbus/jsonrpc/v3"
)

// Message is one JSON object on the wire. Payload keys beyond the two
// reserved envelope keys are opaque to this package — schema ownership
// belongs to callers.
type Message map[string]any

// ID returns the request id, if present.
func (m Message) ID() (string, bool) {
	v, ok := m["id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ReplyTo returns the id of the request this message answers, if present.
func (m Message) ReplyTo() (string, bool) {
	v, ok := m["reply_to"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsRequest reports whether m carries an id and no reply_to.
func (m Message) IsRequest() bool {
	_, hasID := m["id"]
	_, hasReplyTo := m["reply_to"]
	return hasID && !hasReplyTo
}

// IsResponse reports whether m carries a reply_to and no id.
func (m Message) IsResponse() bool {
	_, hasID := m["id"]
	_, hasReplyTo := m["reply_to"]
	return hasReplyTo && !hasID
}

// IsNotification reports whether m carries neither reserved key.
func (m Message) IsNotification() bool {
	_, hasID := m["id"]
	_, hasReplyTo := m["reply_to"]
	return !hasID && !hasReplyTo
}

// AsRPCError decodes an "error" payload key, if present, into a
// *jsonrpc.RPCError for callers that want a typed error shape rather than
// walking the raw map.
func (m Message) AsRPCError() (*jsonrpc.RPCError, bool) {
	raw, ok := m["error"]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var rpcErr jsonrpc.RPCError
	if err := json.Unmarshal(data, &rpcErr); err != nil {
		return nil, false
	}
	return &rpcErr, true
}

// clone returns a shallow copy of m so Request/Notify never mutate a
// caller-owned map.
func (m Message) clone() Message {
	out := make(Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
