package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/charging-platform/central-system/internal/domain/ocpp16"
)

// Frame 解码后的OCPP帧。
// Call帧填充Action与Payload；CallResult帧只有Payload；
// CallError帧填充ErrorCode/ErrorDescription/ErrorDetails。
type Frame struct {
	MessageType      ocpp16.MessageType
	MessageID        string
	Action           ocpp16.Action
	Payload          json.RawMessage
	ErrorCode        ocpp16.ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// SerializationError 序列化错误
type SerializationError struct {
	Operation string
	Message   string
	Cause     error
}

// Error 实现error接口
func (e SerializationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// payloadTypes 每个action对应的请求/响应payload类型
var payloadTypes = map[ocpp16.Action]struct {
	request  reflect.Type
	response reflect.Type
}{
	ocpp16.ActionBootNotification: {
		request:  reflect.TypeOf(ocpp16.BootNotificationRequest{}),
		response: reflect.TypeOf(ocpp16.BootNotificationResponse{}),
	},
	ocpp16.ActionHeartbeat: {
		request:  reflect.TypeOf(ocpp16.HeartbeatRequest{}),
		response: reflect.TypeOf(ocpp16.HeartbeatResponse{}),
	},
	ocpp16.ActionAuthorize: {
		request:  reflect.TypeOf(ocpp16.AuthorizeRequest{}),
		response: reflect.TypeOf(ocpp16.AuthorizeResponse{}),
	},
	ocpp16.ActionStartTransaction: {
		request:  reflect.TypeOf(ocpp16.StartTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.StartTransactionResponse{}),
	},
	ocpp16.ActionStopTransaction: {
		request:  reflect.TypeOf(ocpp16.StopTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.StopTransactionResponse{}),
	},
	ocpp16.ActionMeterValues: {
		request:  reflect.TypeOf(ocpp16.MeterValuesRequest{}),
		response: reflect.TypeOf(ocpp16.MeterValuesResponse{}),
	},
	ocpp16.ActionStatusNotification: {
		request:  reflect.TypeOf(ocpp16.StatusNotificationRequest{}),
		response: reflect.TypeOf(ocpp16.StatusNotificationResponse{}),
	},
	ocpp16.ActionRemoteStartTransaction: {
		request:  reflect.TypeOf(ocpp16.RemoteStartTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.RemoteStartTransactionResponse{}),
	},
	ocpp16.ActionRemoteStopTransaction: {
		request:  reflect.TypeOf(ocpp16.RemoteStopTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.RemoteStopTransactionResponse{}),
	},
	ocpp16.ActionChangeAvailability: {
		request:  reflect.TypeOf(ocpp16.ChangeAvailabilityRequest{}),
		response: reflect.TypeOf(ocpp16.ChangeAvailabilityResponse{}),
	},
}

// Serializer OCPP-J帧编解码器
type Serializer struct{}

// NewSerializer 创建新的序列化器
func NewSerializer() *Serializer {
	return &Serializer{}
}

// SerializeCall 编码Call帧 [2, id, action, payload]
func (s *Serializer) SerializeCall(messageID string, action ocpp16.Action, payload interface{}) ([]byte, error) {
	return s.marshalFrame("SerializeCall", []interface{}{int(ocpp16.Call), messageID, action, payload})
}

// SerializeCallResult 编码CallResult帧 [3, id, payload]
func (s *Serializer) SerializeCallResult(messageID string, payload interface{}) ([]byte, error) {
	return s.marshalFrame("SerializeCallResult", []interface{}{int(ocpp16.CallResult), messageID, payload})
}

// SerializeCallError 编码CallError帧 [4, id, code, description, details]
func (s *Serializer) SerializeCallError(messageID string, code ocpp16.ErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	return s.marshalFrame("SerializeCallError", []interface{}{int(ocpp16.CallError), messageID, code, description, details})
}

func (s *Serializer) marshalFrame(op string, frame []interface{}) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, SerializationError{Operation: op, Message: "failed to marshal frame", Cause: err}
	}
	return data, nil
}

// DeserializeFrame 解码OCPP-J帧。
// 非数组、元素不足或类型码未知均返回SerializationError，
// 调用方据此回复FormationViolation或直接丢弃。
func (s *Serializer) DeserializeFrame(data []byte) (*Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, SerializationError{Operation: "DeserializeFrame", Message: "failed to unmarshal JSON array", Cause: err}
	}
	if len(elements) < 3 {
		return nil, SerializationError{Operation: "DeserializeFrame", Message: "message array too short"}
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		return nil, SerializationError{Operation: "DeserializeFrame", Message: "failed to parse message type", Cause: err}
	}

	var msgID string
	if err := json.Unmarshal(elements[1], &msgID); err != nil {
		return nil, SerializationError{Operation: "DeserializeFrame", Message: "failed to parse message ID", Cause: err}
	}

	frame := &Frame{MessageType: ocpp16.MessageType(msgType), MessageID: msgID}

	switch ocpp16.MessageType(msgType) {
	case ocpp16.Call:
		if len(elements) != 4 {
			return nil, SerializationError{Operation: "DeserializeFrame", Message: "Call message must have exactly 4 elements"}
		}
		var action string
		if err := json.Unmarshal(elements[2], &action); err != nil {
			return nil, SerializationError{Operation: "DeserializeFrame", Message: "failed to parse action", Cause: err}
		}
		frame.Action = ocpp16.Action(action)
		frame.Payload = elements[3]
		return frame, nil

	case ocpp16.CallResult:
		if len(elements) != 3 {
			return nil, SerializationError{Operation: "DeserializeFrame", Message: "CallResult message must have exactly 3 elements"}
		}
		frame.Payload = elements[2]
		return frame, nil

	case ocpp16.CallError:
		if len(elements) < 4 || len(elements) > 5 {
			return nil, SerializationError{Operation: "DeserializeFrame", Message: "CallError message must have 4 or 5 elements"}
		}
		var code string
		if err := json.Unmarshal(elements[2], &code); err != nil {
			return nil, SerializationError{Operation: "DeserializeFrame", Message: "failed to parse error code", Cause: err}
		}
		frame.ErrorCode = ocpp16.ErrorCode(code)
		if err := json.Unmarshal(elements[3], &frame.ErrorDescription); err != nil {
			return nil, SerializationError{Operation: "DeserializeFrame", Message: "failed to parse error description", Cause: err}
		}
		if len(elements) == 5 {
			frame.ErrorDetails = elements[4]
		}
		return frame, nil

	default:
		return nil, SerializationError{Operation: "DeserializeFrame", Message: fmt.Sprintf("invalid message type: %d", msgType)}
	}
}

// DeserializePayload 反序列化载荷到指定类型
func (s *Serializer) DeserializePayload(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return SerializationError{Operation: "DeserializePayload", Message: "failed to unmarshal payload", Cause: err}
	}
	return nil
}

// IsKnownAction 判断action是否在本系统支持的集合内
func IsKnownAction(action ocpp16.Action) bool {
	_, ok := payloadTypes[action]
	return ok
}

// NewRequestPayload 根据action创建请求payload实例，未知action返回nil
func NewRequestPayload(action ocpp16.Action) interface{} {
	types, ok := payloadTypes[action]
	if !ok {
		return nil
	}
	return reflect.New(types.request).Interface()
}

// NewResponsePayload 根据action创建响应payload实例，未知action返回nil
func NewResponsePayload(action ocpp16.Action) interface{} {
	types, ok := payloadTypes[action]
	if !ok {
		return nil
	}
	return reflect.New(types.response).Interface()
}
