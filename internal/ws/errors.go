package ws

import "errors"

var (
	// ErrValidation 请求格式或权限不合法，只回给发送者。
	ErrValidation = errors.New("invalid request")
	// ErrPersistence 消息未能落库，不会广播。
	ErrPersistence = errors.New("persist message")
	// ErrLinkUpdate 会话最后一条消息指针更新失败，只记录日志。
	ErrLinkUpdate  = errors.New("update last message")
	ErrRateLimited = errors.New("rate limited")
)

// errorMessage 返回可以发给客户端的 socket-error 文案。
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return "Failed to send message"
	case errors.Is(err, ErrRateLimited):
		return "Too many events, slow down"
	case errors.Is(err, ErrValidation):
		return err.Error()
	default:
		return "Internal error"
	}
}
