package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/central-system/internal/domain/ocpp16"
	"github.com/charging-platform/central-system/internal/domain/serialization"
)

// Validator OCPP消息验证器
type Validator struct {
	validate *validator.Validate
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e ValidationError) Error() string {
	return e.Message
}

// ValidationErrors 验证错误集合
type ValidationErrors []ValidationError

// Error 实现error接口
func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// NewValidator 创建新的验证器
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(),
	}
}

// ValidateStruct 验证payload结构体
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors ValidationErrors

	if validatorErrors, ok := err.(validator.ValidationErrors); ok {
		for _, validatorError := range validatorErrors {
			validationErrors = append(validationErrors, ValidationError{
				Field:   validatorError.Field(),
				Tag:     validatorError.Tag(),
				Value:   fmt.Sprintf("%v", validatorError.Value()),
				Message: getErrorMessage(validatorError),
			})
		}
		return validationErrors
	}

	return err
}

// ValidateFrame 验证解码后的帧结构
func (v *Validator) ValidateFrame(frame *serialization.Frame) error {
	if frame.MessageType < ocpp16.Call || frame.MessageType > ocpp16.CallError {
		return ValidationError{
			Field:   "messageType",
			Tag:     "range",
			Value:   strconv.Itoa(int(frame.MessageType)),
			Message: "Message type must be 2 (Call), 3 (CallResult), or 4 (CallError)",
		}
	}

	if frame.MessageID == "" {
		return ValidationError{
			Field:   "messageId",
			Tag:     "required",
			Value:   "",
			Message: "Message ID is required",
		}
	}

	if len(frame.MessageID) > 36 {
		return ValidationError{
			Field:   "messageId",
			Tag:     "max",
			Value:   frame.MessageID,
			Message: "Message ID must not exceed 36 characters",
		}
	}

	if frame.MessageType == ocpp16.Call && frame.Action == "" {
		return ValidationError{
			Field:   "action",
			Tag:     "required",
			Value:   "",
			Message: "Action is required for Call messages",
		}
	}

	return nil
}

// ValidateMessageSize 验证消息大小
func (v *Validator) ValidateMessageSize(data []byte, maxSize int) error {
	if len(data) > maxSize {
		return ValidationError{
			Field:   "message",
			Tag:     "max_size",
			Value:   fmt.Sprintf("%d bytes", len(data)),
			Message: fmt.Sprintf("Message size %d bytes exceeds maximum allowed size %d bytes", len(data), maxSize),
		}
	}
	return nil
}

// ValidateChargePointID 验证充电桩ID
func (v *Validator) ValidateChargePointID(chargePointID string) error {
	if chargePointID == "" {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "required",
			Value:   "",
			Message: "Charge point ID is required",
		}
	}

	if len(chargePointID) > 50 {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "max",
			Value:   chargePointID,
			Message: "Charge point ID must not exceed 50 characters",
		}
	}

	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_\-]+$`, chargePointID)
	if !matched {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "format",
			Value:   chargePointID,
			Message: "Charge point ID can only contain alphanumeric characters, underscores and hyphens",
		}
	}

	return nil
}

// CallErrorCodeFor 将验证错误映射为CallError错误代码。
// required/结构性缺陷映射为FormationViolation，
// 字段取值越界映射为PropertyConstraintViolation。
func CallErrorCodeFor(err error) ocpp16.ErrorCode {
	switch e := err.(type) {
	case ValidationErrors:
		for _, ve := range e {
			if ve.Tag == "required" {
				return ocpp16.ErrorCodeFormationViolation
			}
		}
		return ocpp16.ErrorCodePropertyConstraintViolation
	case ValidationError:
		if e.Tag == "required" {
			return ocpp16.ErrorCodeFormationViolation
		}
		return ocpp16.ErrorCodePropertyConstraintViolation
	default:
		return ocpp16.ErrorCodeFormationViolation
	}
}

// getErrorMessage 获取友好的错误消息
func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "min":
		return fmt.Sprintf("Field '%s' must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("Field '%s' must not exceed %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("Field '%s' must be greater than or equal to %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("Field '%s' failed validation for tag '%s'", fe.Field(), fe.Tag())
	}
}
