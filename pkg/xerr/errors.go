package xerr

import "fmt"

// 探测进程退出码
const (
	OK            = 0
	ConfigError   = 2
	ConnectFailed = 3
	CheckFailed   = 4
	InternalError = 5
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

func MapErrMsg(code int) string {
	switch code {
	case OK:
		return "探测通过"
	case ConfigError:
		return "配置错误"
	case ConnectFailed:
		return "连接交易所失败"
	case CheckFailed:
		return "行情检查未通过"
	default:
		return "未知错误"
	}
}

// ExitCode 把任意 error 映射成进程退出码；CodeError 用自己的码，其余归为 InternalError。
func ExitCode(err error) int {
	if err == nil {
		return OK
	}
	if ce, ok := err.(*CodeError); ok {
		return ce.Code
	}
	return InternalError
}
