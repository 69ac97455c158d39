package fanout

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscribeFailed matches any *FanoutError produced by JoinRoom.
	ErrSubscribeFailed = errors.New("fanout: subscribe failed")
	// ErrPublishFailed matches any *FanoutError produced by PublishToRoom.
	ErrPublishFailed = errors.New("fanout: publish failed")
	// ErrClosed is returned by operations on a closed coordinator.
	ErrClosed = errors.New("fanout: coordinator closed")
)

// Op identifies the failing coordinator operation.
type Op string

const (
	OpSubscribe Op = "subscribe-failed"
	OpPublish   Op = "publish-failed"
)

// FanoutError reports a broker failure for a specific channel.
type FanoutError struct {
	Op      Op
	Channel string
	Err     error
}

func (e *FanoutError) Error() string {
	return fmt.Sprintf("fanout: %s on %s: %v", e.Op, e.Channel, e.Err)
}

func (e *FanoutError) Unwrap() error { return e.Err }

// Is lets errors.Is match the Op sentinels.
func (e *FanoutError) Is(target error) bool {
	switch target {
	case ErrSubscribeFailed:
		return e.Op == OpSubscribe
	case ErrPublishFailed:
		return e.Op == OpPublish
	}
	return false
}
