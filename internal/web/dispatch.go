package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/Camifryou/whatsappcrm/internal/registry"
)

// dispatch answers one observer request. Failures are reported to the
// observer and never close the connection.
func (s *Server) dispatch(ctx context.Context, c *Client, req *Request) {
	data, err := s.handle(ctx, req)
	if err != nil {
		c.log.Warn("%s failed: %v", req.Type, err)
		c.Send(NewError(req.RequestID, errorCode(err), errorText(err), err.Error()))
		return
	}
	c.Send(NewResponse(req, data))
}

// errUnknownType is reported for request types nobody handles
type errUnknownType string

func (e errUnknownType) Error() string { return "unknown message type: " + string(e) }

func (s *Server) handle(ctx context.Context, req *Request) (any, error) {
	switch req.Type {
	case MessageTypeCreateSession:
		return s.reg.CreateSession(ctx)

	case MessageTypeGetSession:
		id, err := decodeString(req.Data)
		if err != nil {
			return nil, err
		}
		return s.reg.Snapshot(ctx, id)

	case MessageTypeUpdateSessionName:
		var data sessionNameData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		err := s.reg.RenameSession(ctx, data.SessionID, nameFrom(data.Name))
		return result(err)

	case MessageTypeDeleteSession:
		id, err := decodeString(req.Data)
		if err != nil {
			return nil, err
		}
		return s.reg.DeleteSession(ctx, id)

	case MessageTypeGetSessionChats:
		id, err := decodeString(req.Data)
		if err != nil {
			return nil, err
		}
		return s.reg.SessionChats(ctx, id)

	case MessageTypeGetAllChats:
		return s.reg.AllChats(ctx)

	case MessageTypeGetMessages:
		var data messagesData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		return s.reg.Messages(ctx, data.SessionID, data.ChatID)

	case MessageTypeSendMessage:
		var data sendMessageData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		msg, err := s.reg.SendMessage(ctx, data.SessionID, data.To, data.Message)
		res, err := result(err)
		if err != nil {
			return nil, err
		}
		res.Message = msg
		return res, nil

	case MessageTypeRefreshChats:
		// A missing or empty id refreshes every session
		var id *string
		if !isNull(req.Data) {
			v, err := decodeString(req.Data)
			if err != nil {
				return nil, err
			}
			if v != "" {
				id = &v
			}
		}
		return s.reg.RefreshChats(ctx, id)

	default:
		return nil, errUnknownType(req.Type)
	}
}

// result turns domain failures into {success:false}. Anything else, such as
// a stopped registry, stays an error.
func result(err error) (*Result, error) {
	if err == nil {
		return &Result{Success: true}, nil
	}
	if errorCode(err) == ErrorCodeInternal {
		return nil, err
	}
	return &Result{Success: false, Error: errorText(err)}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decode(raw json.RawMessage, v any) error {
	if isNull(raw) {
		return fmt.Errorf("%w: missing data", registry.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalidInput, err)
	}
	return nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := decode(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
