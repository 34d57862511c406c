package feed

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

func TestClassify_Ack(t *testing.T) {
	ev := Classify([]byte(`{"jsonrpc":"2.0","id":"6f0c2a4e-0000-4000-8000-000000000001","result":42}`), DefaultNotificationMethod)
	if ev.Kind != EventAck {
		t.Fatalf("kind: got=%s want=ack (err=%v)", ev.Kind, ev.Err)
	}
	if ev.ID != "6f0c2a4e-0000-4000-8000-000000000001" || ev.Handle != 42 {
		t.Fatalf("ack mismatch: id=%q handle=%d", ev.ID, ev.Handle)
	}
}

func TestClassify_Notification(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":42,"result":{"context":{"slot":1},"value":{"balance":10005000}}}}`
	ev := Classify([]byte(raw), DefaultNotificationMethod)
	if ev.Kind != EventNotification {
		t.Fatalf("kind: got=%s (err=%v)", ev.Kind, ev.Err)
	}
	if ev.Handle != 42 || ev.Balance.Int64() != 10_005_000 {
		t.Fatalf("notification mismatch: handle=%d balance=%s", ev.Handle, ev.Balance)
	}
}

func TestClassify_NotificationLamportsFallback(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":7,"result":{"value":{"lamports":"123456789012345678901"}}}}`
	ev := Classify([]byte(raw), DefaultNotificationMethod)
	if ev.Kind != EventNotification {
		t.Fatalf("kind: got=%s (err=%v)", ev.Kind, ev.Err)
	}
	if ev.Balance.String() != "123456789012345678901" {
		t.Fatalf("balance: got=%s", ev.Balance)
	}
}

func TestClassify_UnsubscribeReply(t *testing.T) {
	ev := Classify([]byte(`{"jsonrpc":"2.0","id":42,"result":true}`), DefaultNotificationMethod)
	if ev.Kind != EventUnsubscribed || ev.Err != nil || ev.Handle != 42 || ev.ID != "42" {
		t.Fatalf("got kind=%s handle=%d id=%q err=%v", ev.Kind, ev.Handle, ev.ID, ev.Err)
	}
	ev = Classify([]byte(`{"jsonrpc":"2.0","id":42,"result":false}`), DefaultNotificationMethod)
	if ev.Kind != EventUnsubscribed {
		t.Fatalf("false reply: got kind=%s", ev.Kind)
	}
	ev = Classify([]byte(`{"jsonrpc":"2.0","id":42,"result":"ok"}`), DefaultNotificationMethod)
	if ev.Kind != EventUnrecognized || ev.Err != nil {
		t.Fatalf("string result: got kind=%s err=%v", ev.Kind, ev.Err)
	}
}

func TestClassify_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"method":"accountNotification"}`,
		`{"method":"accountNotification","params":{"subscription":"x","result":{"value":{"balance":1}}}}`,
		`{"method":"accountNotification","params":{"subscription":1,"result":{"value":{}}}}`,
		`{"method":"accountNotification","params":{"subscription":1,"result":{"value":{"balance":-5}}}}`,
	}
	for _, raw := range cases {
		ev := Classify([]byte(raw), DefaultNotificationMethod)
		if ev.Kind != EventUnrecognized {
			t.Fatalf("%s: kind=%s", raw, ev.Kind)
		}
		if !errors.Is(ev.Err, deposit.ErrMalformedMessage) {
			t.Fatalf("%s: err=%v", raw, ev.Err)
		}
	}
}

func TestClassify_RPCError(t *testing.T) {
	ev := Classify([]byte(`{"jsonrpc":"2.0","id":"abc","error":{"code":-32602,"message":"Invalid param"}}`), DefaultNotificationMethod)
	if ev.Kind != EventUnrecognized || ev.Err == nil || ev.ID != "abc" {
		t.Fatalf("got kind=%s id=%q err=%v", ev.Kind, ev.ID, ev.Err)
	}
	if errors.Is(ev.Err, deposit.ErrMalformedMessage) {
		t.Fatalf("rpc error is well-formed: %v", ev.Err)
	}
}

func TestSubscribeRequest_JSONShape(t *testing.T) {
	req := request{
		JSONRPC: "2.0",
		ID:      "rec-1",
		Method:  DefaultSubscribeMethod,
		Params:  []any{"addr", subscribeConfig{Commitment: "finalized", Encoding: "base64"}},
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["method"] != "accountSubscribe" || m["id"] != "rec-1" {
		t.Fatalf("envelope mismatch: %#v", m)
	}
	params, ok := m["params"].([]any)
	if !ok || len(params) != 2 || params[0] != "addr" {
		t.Fatalf("params mismatch: %#v", m["params"])
	}
	cfg, ok := params[1].(map[string]any)
	if !ok || cfg["commitment"] != "finalized" || cfg["encoding"] != "base64" {
		t.Fatalf("config mismatch: %#v", params[1])
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	o := (Options{}).withDefaults()
	if o.ReconnectDelay != DefaultReconnectDelay {
		t.Fatalf("ReconnectDelay: got=%s want=%s", o.ReconnectDelay, DefaultReconnectDelay)
	}
	if o.SubscribeMethod != DefaultSubscribeMethod || o.Commitment != DefaultCommitment {
		t.Fatalf("method defaults missing: %#v", o)
	}
	if o.EventBuffer <= 0 || o.Dialer == nil {
		t.Fatalf("buffer/dialer defaults missing: %#v", o)
	}
}
