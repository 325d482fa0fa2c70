package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Frame kinds carried over the desktop IPC socket.
const (
	FrameRequest           = "request"
	FrameResponse          = "response"
	FrameBroadcast         = "broadcast"
	FrameDiscoveryRequest  = "client-discovery-request"
	FrameDiscoveryResponse = "client-discovery-response"
)

// Result kinds inside a response frame.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Well-known IPC methods.
const (
	MethodInitialize              = "initialize"
	MethodThreadStreamStateChange = "thread-stream-state-changed"
	MethodSendMessage             = "thread/sendMessage"
	MethodSetCollaborationMode    = "thread/setCollaborationMode"
	MethodSubmitUserInput         = "thread/submitUserInput"
	MethodInterrupt               = "thread/interrupt"
)

// InitializingClientID is the placeholder source client id used on the very
// first request, before the server has assigned an identifier.
const InitializingClientID = "initializing-client"

type Request struct {
	RequestID      string          `json:"requestId"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	SourceClientID string          `json:"sourceClientId"`
	TargetClientID string          `json:"targetClientId,omitempty"`
	Version        string          `json:"version,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	RequestID  string          `json:"requestId"`
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ResponseError  `json:"error,omitempty"`
}

type Broadcast struct {
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	SourceClientID string          `json:"sourceClientId,omitempty"`
	TargetClientID string          `json:"targetClientId,omitempty"`
	Version        string          `json:"version,omitempty"`
}

type DiscoveryRequest struct {
	RequestID string          `json:"requestId"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type DiscoveryAnswer struct {
	CanHandle bool `json:"canHandle"`
}

type DiscoveryResponse struct {
	RequestID string          `json:"requestId"`
	Response  DiscoveryAnswer `json:"response"`
}

// Frame is the tagged union of every message exchanged over the desktop IPC
// socket. Exactly one variant field is non-nil, matching Type.
type Frame struct {
	Type              string
	Request           *Request
	Response          *Response
	Broadcast         *Broadcast
	DiscoveryRequest  *DiscoveryRequest
	DiscoveryResponse *DiscoveryResponse
}

func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case FrameRequest:
		if f.Request == nil {
			return nil, fmt.Errorf("request frame missing payload")
		}
		return marshalTagged(f.Type, f.Request)
	case FrameResponse:
		if f.Response == nil {
			return nil, fmt.Errorf("response frame missing payload")
		}
		return marshalTagged(f.Type, f.Response)
	case FrameBroadcast:
		if f.Broadcast == nil {
			return nil, fmt.Errorf("broadcast frame missing payload")
		}
		return marshalTagged(f.Type, f.Broadcast)
	case FrameDiscoveryRequest:
		if f.DiscoveryRequest == nil {
			return nil, fmt.Errorf("client-discovery-request frame missing payload")
		}
		return marshalTagged(f.Type, f.DiscoveryRequest)
	case FrameDiscoveryResponse:
		if f.DiscoveryResponse == nil {
			return nil, fmt.Errorf("client-discovery-response frame missing payload")
		}
		return marshalTagged(f.Type, f.DiscoveryResponse)
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("decode frame type: %w", err)
	}
	*f = Frame{Type: strings.TrimSpace(tag.Type)}
	switch f.Type {
	case FrameRequest:
		f.Request = &Request{}
		return unmarshalTagged(data, f.Request)
	case FrameResponse:
		f.Response = &Response{}
		return unmarshalTagged(data, f.Response)
	case FrameBroadcast:
		f.Broadcast = &Broadcast{}
		return unmarshalTagged(data, f.Broadcast)
	case FrameDiscoveryRequest:
		f.DiscoveryRequest = &DiscoveryRequest{}
		return unmarshalTagged(data, f.DiscoveryRequest)
	case FrameDiscoveryResponse:
		f.DiscoveryResponse = &DiscoveryResponse{}
		return unmarshalTagged(data, f.DiscoveryResponse)
	default:
		return fmt.Errorf("unknown frame type %q", tag.Type)
	}
}

// marshalTagged injects the "type" discriminator into the variant's own JSON
// object so the wire shape stays flat.
func marshalTagged(frameType string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	obj["type"] = json.RawMessage(fmt.Sprintf("%q", frameType))
	return json.Marshal(obj)
}

func unmarshalTagged(data []byte, payload any) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	delete(obj, "type")
	flat, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(flat))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("decode frame payload: %w", err)
	}
	return nil
}

func RequestFrame(req Request) Frame {
	return Frame{Type: FrameRequest, Request: &req}
}

func ResponseFrame(resp Response) Frame {
	return Frame{Type: FrameResponse, Response: &resp}
}

func BroadcastFrame(b Broadcast) Frame {
	return Frame{Type: FrameBroadcast, Broadcast: &b}
}

func DiscoveryResponseFrame(requestID string, canHandle bool) Frame {
	return Frame{
		Type: FrameDiscoveryResponse,
		DiscoveryResponse: &DiscoveryResponse{
			RequestID: requestID,
			Response:  DiscoveryAnswer{CanHandle: canHandle},
		},
	}
}
