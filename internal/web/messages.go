package web

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Camifryou/whatsappcrm/internal/registry"
)

// Request types sent by observers
const (
	MessageTypeCreateSession     = "create_session"
	MessageTypeGetSession        = "get_session"
	MessageTypeUpdateSessionName = "update_session_name"
	MessageTypeDeleteSession     = "delete_session"
	MessageTypeGetSessionChats   = "get_session_chats"
	MessageTypeGetAllChats       = "get_all_chats"
	MessageTypeGetMessages       = "get_messages"
	MessageTypeSendMessage       = "send_message"
	MessageTypeRefreshChats      = "refresh_chats"

	// MessageTypeError carries a failure that has no typed response
	MessageTypeError = "error"

	responseSuffix = "_response"
)

// Error codes of error envelopes
const (
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInvalidInput   = "invalid_input"
	ErrorCodeDeliveryFailed = "delivery_failed"
	ErrorCodeInternal       = "internal"
	ErrorCodeUnknownType    = "unknown_type"
)

// Texts shown to observers
const (
	textSessionNotFound = "Sesión no encontrada"
	textInvalidName     = "Nombre inválido"
	textInvalidInput    = "Datos inválidos"
)

// BaseMessage is the envelope of everything sent to observers
type BaseMessage struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id,omitempty"`
	Data      any        `json:"data"`
	Timestamp string     `json:"timestamp,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Request is an envelope received from an observer. Data is decoded by the
// handler of its type.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewEvent creates a broadcast message
func NewEvent(event string, data any) *BaseMessage {
	return &BaseMessage{
		Type:      event,
		Data:      data,
		Timestamp: now(),
	}
}

// NewResponse creates the response to a request
func NewResponse(req *Request, data any) *BaseMessage {
	return &BaseMessage{
		Type:      req.Type + responseSuffix,
		RequestID: req.RequestID,
		Data:      data,
		Timestamp: now(),
	}
}

// NewError creates an error response
func NewError(requestID, code, message, details string) *BaseMessage {
	return &BaseMessage{
		Type:      MessageTypeError,
		RequestID: requestID,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: now(),
	}
}

// Result is the response data of requests that report success or failure
type Result struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Message *registry.Message `json:"message,omitempty"`
}

type sessionNameData struct {
	SessionID string          `json:"sessionId"`
	Name      json.RawMessage `json:"name"`
}

type messagesData struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
}

type sendMessageData struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

// nameFrom returns the name when raw is a JSON string, else ""
func nameFrom(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return ""
	}
	return name
}

// errorCode classifies a registry error for error envelopes
func errorCode(err error) string {
	var unknown errUnknownType
	switch {
	case errors.As(err, &unknown):
		return ErrorCodeUnknownType
	case errors.Is(err, registry.ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, registry.ErrInvalidInput):
		return ErrorCodeInvalidInput
	case errors.Is(err, registry.ErrDeliveryFailed):
		return ErrorCodeDeliveryFailed
	default:
		return ErrorCodeInternal
	}
}

// errorText is the observer facing text of a registry error
func errorText(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return textSessionNotFound
	case errors.Is(err, registry.ErrInvalidName):
		return textInvalidName
	case errors.Is(err, registry.ErrInvalidInput):
		return textInvalidInput
	default:
		return err.Error()
	}
}
