package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventAck
	EventNotification
	EventUnsubscribed
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventNotification:
		return "notification"
	case EventUnsubscribed:
		return "unsubscribed"
	default:
		return "unrecognized"
	}
}

// Event is one classified feed message.
//
//	Ack:          ID, Handle
//	Notification: Handle, Balance
//	Unsubscribed: ID, Handle (the handle the unsubscribe was sent for)
//	Unrecognized: Raw, Err (nil for well-formed but unhandled shapes)
type Event struct {
	Kind       EventKind
	ID         string
	Handle     int64
	Balance    *big.Int
	Raw        json.RawMessage
	Err        error
	ReceivedAt time.Time
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type subscribeConfig struct {
	Commitment string `json:"commitment,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notificationParams struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       struct {
		Value struct {
			Balance  json.RawMessage `json:"balance"`
			Lamports json.RawMessage `json:"lamports"`
		} `json:"value"`
	} `json:"result"`
}

// Classify parses a raw frame into a typed Event. It never fails: frames
// that cannot be parsed come back as EventUnrecognized with Err wrapping
// deposit.ErrMalformedMessage.
func Classify(raw []byte, notificationMethod string) Event {
	ev := Event{Kind: EventUnrecognized, Raw: append(json.RawMessage(nil), raw...), ReceivedAt: time.Now()}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		ev.Err = fmt.Errorf("%w: %v", deposit.ErrMalformedMessage, err)
		return ev
	}

	if env.Method != "" && env.Method == notificationMethod {
		var p notificationParams
		if len(env.Params) == 0 {
			ev.Err = fmt.Errorf("%w: notification without params", deposit.ErrMalformedMessage)
			return ev
		}
		if err := json.Unmarshal(env.Params, &p); err != nil {
			ev.Err = fmt.Errorf("%w: notification params: %v", deposit.ErrMalformedMessage, err)
			return ev
		}
		handle, ok := parseInt64(p.Subscription)
		if !ok {
			ev.Err = fmt.Errorf("%w: notification subscription %s", deposit.ErrMalformedMessage, string(p.Subscription))
			return ev
		}
		balRaw := p.Result.Value.Balance
		if len(balRaw) == 0 || string(balRaw) == "null" {
			balRaw = p.Result.Value.Lamports
		}
		bal, ok := parseBigInt(balRaw)
		if !ok {
			ev.Err = fmt.Errorf("%w: notification balance %s", deposit.ErrMalformedMessage, string(balRaw))
			return ev
		}
		ev.Kind = EventNotification
		ev.Handle = handle
		ev.Balance = bal
		return ev
	}

	if env.Error != nil {
		ev.Err = fmt.Errorf("feed error %d: %s", env.Error.Code, env.Error.Message)
		if id, ok := parseID(env.ID); ok {
			ev.ID = id
		}
		return ev
	}

	if id, ok := parseID(env.ID); ok {
		if handle, ok := parseInt64(env.Result); ok {
			ev.Kind = EventAck
			ev.ID = id
			ev.Handle = handle
			return ev
		}
		// unsubscribe requests carry the handle as their id
		if r := string(bytes.TrimSpace(env.Result)); r == "true" || r == "false" {
			ev.Kind = EventUnsubscribed
			ev.ID = id
			ev.Handle, _ = parseInt64(env.ID)
			return ev
		}
	}
	return ev
}

// parseID accepts a non-empty JSON string or an integer id.
func parseID(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	}
	if n, ok := parseInt64(raw); ok {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

func parseInt64(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseBigInt accepts a non-negative JSON integer or a quoted decimal
// integer string.
func parseBigInt(raw json.RawMessage) (*big.Int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
