package stream

import (
	"fmt"
	"time"
)

// WaitTimeoutError Collect 在截止前没凑够目标条数。
type WaitTimeoutError struct {
	Want    int
	Got     int
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait timeout after %s: matched %d/%d messages", e.Timeout, e.Got, e.Want)
}

// UnexpectedMessageError 静默窗口内出现了匹配消息。
type UnexpectedMessageError struct {
	Message Message
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message during silence window: %v", map[string]any(e.Message))
}
