package domain

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidOrder 订单字段不合法
	ErrInvalidOrder = errors.New("invalid order")
	// ErrOrderRefused 上游拒绝了该订单
	ErrOrderRefused = errors.New("order refused by venue")
	// ErrInvariantViolation 对账不变量被破坏（重复完成、超量成交、撤单下溢等）
	ErrInvariantViolation = errors.New("reconciliation invariant violation")
	// ErrUnknownNotice 无法识别的回报状态组合
	ErrUnknownNotice = errors.New("unknown notice classification")
	// ErrInvalidPayload 下发内容与类别不一致
	ErrInvalidPayload = errors.New("invalid dispatch payload")
)

func invalidOrderf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidOrder, format, args...)
}

func violationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvariantViolation, format, args...)
}

// IsInvariantViolation 判断错误是否为不变量破坏
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
