package watchdog

import (
	stderrors "errors"
	"reflect"

	apperrors "github.com/goliatone/go-errors"
)

// Message is implemented by every activity input.
type Message interface {
	Type() string
	Validate() error
}

func isNilMessage(msg any) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// validateMessage returns an INVALID_ARGUMENT error for nil or invalid input.
func validateMessage(msg Message) error {
	if isNilMessage(msg) {
		return invalidArgument("nil message", nil)
	}
	if err := msg.Validate(); err != nil {
		var ge *apperrors.Error
		if stderrors.As(err, &ge) && ge.TextCode == ErrCodeInvalidArgument {
			return err
		}
		return cloneError(ErrInvalidArgument, "", err, map[string]any{"message_type": msg.Type()})
	}
	return nil
}
