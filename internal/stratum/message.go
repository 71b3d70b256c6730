// Package stratum implements a Stratum v1 mining pool client.
package stratum

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// Stratum method names
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetExtranonce       = "mining.set_extranonce"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodReconnect           = "client.reconnect"
	MethodShowMessage         = "client.show_message"
)

// ErrUnknownMethod is returned by Decode for notifications it does not handle
var ErrUnknownMethod = errors.New("unknown stratum method")

var jsonNull = []byte("null")

// Message is a raw Stratum JSON-RPC record as read from the wire
type Message struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Request is an outbound client request
type Request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// RPCError is an error reported by the pool in a response
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Inbound is one decoded record; it is one of *Response, *Notify,
// *SetDifficulty, *SetExtranonce, *Reconnect or *ShowMessage.
type Inbound interface {
	inbound()
}

// Response answers a client request
type Response struct {
	ID     uint64
	Result json.RawMessage
	Error  *RPCError
}

// Notify is a mining.notify job template
type Notify struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// SetDifficulty is a mining.set_difficulty notification
type SetDifficulty struct {
	Difficulty float64
}

// SetExtranonce is a mining.set_extranonce notification
type SetExtranonce struct {
	Extranonce1     string
	Extranonce2Size int
}

// Reconnect is a client.reconnect request from the pool. Empty Host means
// reconnect to the same endpoint.
type Reconnect struct {
	Host string
	Port int
	Wait int
}

// ShowMessage is a client.show_message notification
type ShowMessage struct {
	Text string
}

func (*Response) inbound()      {}
func (*Notify) inbound()        {}
func (*SetDifficulty) inbound() {}
func (*SetExtranonce) inbound() {}
func (*Reconnect) inbound()     {}
func (*ShowMessage) inbound()   {}

// EncodeRequest marshals a request as one newline-terminated line
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line into a tagged inbound variant
func Decode(line []byte) (Inbound, error) {
	var msg Message
	if err := sonic.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	id, hasID, err := parseID(msg.ID)
	if err != nil {
		return nil, err
	}

	if msg.Method == "" {
		if !hasID {
			return nil, fmt.Errorf("response without id")
		}
		resp := &Response{ID: id}
		if !isNull(msg.Result) {
			resp.Result = msg.Result
		}
		if resp.Error, err = parseRPCError(msg.Error); err != nil {
			return nil, err
		}
		return resp, nil
	}

	params, err := splitParams(msg.Params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg.Method, err)
	}

	switch msg.Method {
	case MethodNotify:
		return decodeNotify(params)
	case MethodSetDifficulty:
		if len(params) < 1 {
			return nil, fmt.Errorf("%s: missing difficulty", msg.Method)
		}
		var diff float64
		if err := sonic.Unmarshal(params[0], &diff); err != nil {
			return nil, fmt.Errorf("%s: %w", msg.Method, err)
		}
		if diff <= 0 {
			return nil, fmt.Errorf("%s: non-positive difficulty %v", msg.Method, diff)
		}
		return &SetDifficulty{Difficulty: diff}, nil
	case MethodSetExtranonce:
		if len(params) < 2 {
			return nil, fmt.Errorf("%s: expected 2 params, got %d", msg.Method, len(params))
		}
		var se SetExtranonce
		if err := sonic.Unmarshal(params[0], &se.Extranonce1); err != nil {
			return nil, fmt.Errorf("%s: extranonce1: %w", msg.Method, err)
		}
		if err := sonic.Unmarshal(params[1], &se.Extranonce2Size); err != nil {
			return nil, fmt.Errorf("%s: extranonce2_size: %w", msg.Method, err)
		}
		return &se, nil
	case MethodReconnect:
		rc := &Reconnect{}
		if len(params) > 0 {
			_ = sonic.Unmarshal(params[0], &rc.Host)
		}
		if len(params) > 1 {
			rc.Port = flexInt(params[1])
		}
		if len(params) > 2 {
			rc.Wait = flexInt(params[2])
		}
		return rc, nil
	case MethodShowMessage:
		sm := &ShowMessage{}
		if len(params) > 0 {
			_ = sonic.Unmarshal(params[0], &sm.Text)
		}
		return sm, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, msg.Method)
	}
}

// Params format: [job_id, prevhash, coinb1, coinb2, merkle_branch, version, nbits, ntime, clean_jobs]
func decodeNotify(params []json.RawMessage) (*Notify, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("%s: expected 9 params, got %d", MethodNotify, len(params))
	}
	n := &Notify{}
	fields := []struct {
		name string
		dst  interface{}
	}{
		{"job_id", &n.JobID},
		{"prevhash", &n.PrevHash},
		{"coinb1", &n.Coinb1},
		{"coinb2", &n.Coinb2},
		{"merkle_branch", &n.MerkleBranch},
		{"version", &n.Version},
		{"nbits", &n.NBits},
		{"ntime", &n.NTime},
		{"clean_jobs", &n.CleanJobs},
	}
	for i, f := range fields {
		if err := sonic.Unmarshal(params[i], f.dst); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", MethodNotify, f.name, err)
		}
	}
	if n.JobID == "" {
		return nil, fmt.Errorf("%s: empty job_id", MethodNotify)
	}
	return n, nil
}

// SubscribeResult is the decoded mining.subscribe result
type SubscribeResult struct {
	SubscriptionID  string
	Extranonce1     string
	Extranonce2Size int
}

// ParseSubscribeResult decodes [[[method, id], ...], extranonce1, extranonce2_size]
func ParseSubscribeResult(raw json.RawMessage) (*SubscribeResult, error) {
	var parts []json.RawMessage
	if err := sonic.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("invalid subscribe result: %w", err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid subscribe result: expected 3 elements, got %d", len(parts))
	}

	res := &SubscribeResult{}
	if err := sonic.Unmarshal(parts[1], &res.Extranonce1); err != nil {
		return nil, fmt.Errorf("invalid extranonce1: %w", err)
	}
	if err := sonic.Unmarshal(parts[2], &res.Extranonce2Size); err != nil {
		return nil, fmt.Errorf("invalid extranonce2_size: %w", err)
	}
	if res.Extranonce2Size < 1 || res.Extranonce2Size > 8 {
		return nil, fmt.Errorf("unsupported extranonce2_size %d", res.Extranonce2Size)
	}

	// Subscriptions are either a list of pairs or a single flat pair
	var pairs [][]string
	if err := sonic.Unmarshal(parts[0], &pairs); err != nil {
		var flat []string
		if sonic.Unmarshal(parts[0], &flat) == nil {
			pairs = [][]string{flat}
		}
	}
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		if res.SubscriptionID == "" || p[0] == MethodNotify {
			res.SubscriptionID = p[1]
		}
	}
	return res, nil
}

// ParseBoolResult decodes a boolean result; null decodes as false
func ParseBoolResult(raw json.RawMessage) bool {
	if isNull(raw) {
		return false
	}
	var ok bool
	if err := sonic.Unmarshal(raw, &ok); err != nil {
		return false
	}
	return ok
}

func parseID(raw json.RawMessage) (uint64, bool, error) {
	if isNull(raw) {
		return 0, false, nil
	}
	var n uint64
	if err := sonic.Unmarshal(raw, &n); err == nil {
		return n, true, nil
	}
	var s string
	if err := sonic.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v, true, nil
		}
	}
	return 0, false, fmt.Errorf("unsupported id %s", string(raw))
}

// Errors arrive as [code, message, data], {"code":..,"message":..} or a bare string
func parseRPCError(raw json.RawMessage) (*RPCError, error) {
	if isNull(raw) {
		return nil, nil
	}
	var arr []json.RawMessage
	if err := sonic.Unmarshal(raw, &arr); err == nil {
		e := &RPCError{Code: ErrorOther}
		if len(arr) > 0 {
			e.Code = flexInt(arr[0])
		}
		if len(arr) > 1 {
			_ = sonic.Unmarshal(arr[1], &e.Message)
		}
		return e, nil
	}
	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := sonic.Unmarshal(raw, &obj); err == nil {
		return &RPCError{Code: obj.Code, Message: obj.Message}, nil
	}
	var s string
	if err := sonic.Unmarshal(raw, &s); err == nil {
		return &RPCError{Code: ErrorOther, Message: s}, nil
	}
	return nil, fmt.Errorf("unsupported error value %s", string(raw))
}

func splitParams(raw json.RawMessage) ([]json.RawMessage, error) {
	if isNull(raw) {
		return nil, nil
	}
	var params []json.RawMessage
	if err := sonic.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("params must be an array: %w", err)
	}
	return params, nil
}

// flexInt accepts numbers and numeric strings
func flexInt(raw json.RawMessage) int {
	var n int
	if sonic.Unmarshal(raw, &n) == nil {
		return n
	}
	var f float64
	if sonic.Unmarshal(raw, &f) == nil {
		return int(f)
	}
	var s string
	if sonic.Unmarshal(raw, &s) == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return 0
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}
