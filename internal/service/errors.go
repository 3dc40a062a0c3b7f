package service

import (
	"errors"

	"DealSync/internal/interfaces"
)

// Kind 错误分类，API 层据此映射 HTTP 状态码
type Kind int

const (
	KindValidation    Kind = iota + 1 // 参数非法（mode/批大小/日期/缺确认标记）→ 400
	KindAuthorization                 // 未认证或越权 → 401
	KindContention                    // owner 锁已被持有 → 409
	KindRateLimit                     // 超出限流 → 429
	KindPersistence                   // 存储/事务失败（整批已回滚）→ 500
)

// Error 带分类的对账错误
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationErr 参数校验失败
func ValidationErr(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// AuthorizationErr 认证/授权失败
func AuthorizationErr(msg string) *Error {
	return &Error{Kind: KindAuthorization, Msg: msg}
}

// ContentionErr 锁竞争失败
func ContentionErr(ownerID string) *Error {
	return &Error{Kind: KindContention, Msg: "owner " + ownerID + " 的对账任务已在执行中", Err: interfaces.ErrLockHeld}
}

// PersistenceErr 存储层失败
func PersistenceErr(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Msg: msg, Err: err}
}

// WrapRateLimit 把限流器错误归入分类体系，非限流错误按存储错误处理
func WrapRateLimit(err error) error {
	var rl *interfaces.RateLimitError
	if errors.As(err, &rl) {
		return &Error{Kind: KindRateLimit, Msg: rl.Error(), Err: err}
	}
	return PersistenceErr("限流检查失败", err)
}

// KindOf 取错误分类，无分类时返回 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
