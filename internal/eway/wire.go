// Package eway is the session client for the eWay-CRM JSON API. It owns the
// single backend session shared by every caller in the process.
package eway

import (
	"encoding/json"
	"fmt"
)

// ReturnCode is the application-level result carried in every API
// response, independent of the HTTP status.
type ReturnCode string

// Known return codes.
const (
	RCSuccess        ReturnCode = "rcSuccess"
	RCBadSession     ReturnCode = "rcBadSession"
	RCBadAccessToken ReturnCode = "rcBadAccessToken"
	RCBadParameters  ReturnCode = "rcBadParameters"
	RCError          ReturnCode = "rcError"
	RCDatabaseError  ReturnCode = "rcDatabaseError"
	RCBadLogin       ReturnCode = "rcBadLogin"
)

// Kind classifies a ReturnCode.
type Kind int

const (
	KindUnknown Kind = iota
	KindSuccess
	KindBadSession
	KindBadAccessToken
	KindValidation
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindBadSession:
		return "bad_session"
	case KindBadAccessToken:
		return "bad_access_token"
	case KindValidation:
		return "validation"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Kind maps the code onto the fixed set of outcomes the gateway acts on.
func (rc ReturnCode) Kind() Kind {
	switch rc {
	case RCSuccess:
		return KindSuccess
	case RCBadSession:
		return KindBadSession
	case RCBadAccessToken:
		return KindBadAccessToken
	case RCBadParameters:
		return KindValidation
	case RCError, RCDatabaseError, RCBadLogin:
		return KindError
	default:
		return KindUnknown
	}
}

// IsAuthFailure reports whether the backend rejected the session or the
// bearer token, the only two codes the client handles itself.
func (rc ReturnCode) IsAuthFailure() bool {
	k := rc.Kind()
	return k == KindBadSession || k == KindBadAccessToken
}

// Response is a decoded API response. Raw holds the whole body so callers
// can read method-specific fields the client does not model.
type Response struct {
	ReturnCode  ReturnCode      `json:"ReturnCode"`
	Description string          `json:"Description,omitempty"`
	SessionID   string          `json:"SessionId,omitempty"`
	Data        json.RawMessage `json:"Data,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// OK reports whether the call succeeded.
func (r *Response) OK() bool {
	return r.ReturnCode.Kind() == KindSuccess
}

// MarshalJSON returns the response body as received.
func (r *Response) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain Response
	return json.Marshal((*plain)(r))
}

// decodeResponse parses a response body and keeps a copy of it in Raw.
func decodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.ReturnCode == "" {
		return nil, fmt.Errorf("response has no ReturnCode")
	}
	resp.Raw = append(json.RawMessage(nil), body...)
	return &resp, nil
}

// Params are the JSON parameters of a remote method call.
type Params map[string]interface{}

func (p Params) clone() Params {
	c := make(Params, len(p)+1)
	for k, v := range p {
		c[k] = v
	}
	return c
}
