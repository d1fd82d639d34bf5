package carnet

import (
	"errors"
	"fmt"
)

// 错误分类
//
// ErrSecurity: 认证/授权失败，需要用户介入（密码错误、账号被限流、缺少授权同意、未配置 S-PIN）
// ErrProtocol: 远端登录页面或 API 响应与预期格式不符（缺少 csrf/hmac、缺少重定向）
// ErrTransient: 网络/超时/非 2xx 等临时故障，下一个轮询周期可重试
// ErrInvalidArgument: 调用方错误（未知 tokenSetId 或 requestId），快速失败
var (
	ErrSecurity        = errors.New("security failure")
	ErrProtocol        = errors.New("protocol mismatch")
	ErrTransient       = errors.New("transient failure")
	ErrInvalidArgument = errors.New("invalid argument")
)

func securityError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSecurity, fmt.Sprintf(format, args...))
}

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func transientError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IsSecurityError 判断是否为需要用户介入的安全类错误
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrSecurity)
}

// IsTransient 判断是否可在下个周期重试
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
