package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrInstallFailed 是所有安装失败的哨兵错误，可通过 errors.Is 判断。
	ErrInstallFailed = errors.New("install failed")

	// ErrNetwork 包装 Fetcher 返回的传输层错误，触发离线回退链。
	ErrNetwork = errors.New("network failure")

	// ErrInstallInProgress 表示已有安装流程正在进行。
	ErrInstallInProgress = errors.New("install already in progress")

	// ErrNoActiveGeneration 表示尚无可用的 generation。
	ErrNoActiveGeneration = errors.New("no active generation")

	// ErrGenerationNotInstalled 表示尝试激活一个尚未完成安装的 generation。
	ErrGenerationNotInstalled = errors.New("generation not installed")

	// ErrUnknownMessage 表示控制消息类型未知。
	ErrUnknownMessage = errors.New("unknown control message")

	// ErrInvalidPushPayload 表示推送负载不是合法 JSON 对象。
	ErrInvalidPushPayload = errors.New("invalid push payload")

	// ErrRuntimeClosed 表示运行时已关闭，不再接受事件。
	ErrRuntimeClosed = errors.New("runtime closed")

	// ErrUnknownEvent 表示 Dispatch 收到无法识别的事件。
	ErrUnknownEvent = errors.New("unknown event")
)

// InstallError 记录导致安装失败的清单条目。
type InstallError struct {
	URL    string
	Status int
	Err    error
}

func (e *InstallError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("install %s: %v", e.URL, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("install %s: unexpected status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("install %s failed", e.URL)
	}
}

// Unwrap 同时暴露 ErrInstallFailed 与底层错误。
func (e *InstallError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInstallFailed}
	}
	return []error{ErrInstallFailed, e.Err}
}
