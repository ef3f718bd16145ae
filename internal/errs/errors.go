package errs

import (
	"errors"
	"fmt"
)

// Kind 错误类别，传输层负责把类别映射为HTTP状态码
type Kind string

const (
	KindValidation    Kind = "validation"     // 输入非法或超出批次限制，未发生任何写入
	KindNotFound      Kind = "not_found"      // 批次或处理记录不存在
	KindInvalidStatus Kind = "invalid_status" // 回调状态不是合法的终态
	KindConflict      Kind = "conflict"       // 并发更新冲突（内部已重试一次后仍失败）
	KindDelivery      Kind = "delivery"       // 队列投递失败，底层记录已持久化，可由补偿任务恢复
	KindInternal      Kind = "internal"       // 其他内部错误
)

// 各类别的哨兵错误，便于 errors.Is 判断
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid status")
	ErrConflict      = errors.New("conflict")
	ErrDelivery      = errors.New("delivery failure")
)

// Error 携带类别标签的业务错误
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinel(e.Kind)
}

// Is 让 errors.Is(err, ErrNotFound) 等判断对带类别的错误同样成立
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindInvalidStatus:
		return ErrInvalidStatus
	case KindConflict:
		return ErrConflict
	case KindDelivery:
		return ErrDelivery
	default:
		return nil
	}
}

// New 创建一个带类别的错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf 创建一个带类别的格式化错误
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并打上类别标签
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf 返回错误的类别，非本包错误返回 KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
