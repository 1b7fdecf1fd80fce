package writeback

import (
	"github.com/cockroachdb/errors"

	"notionfmt/pkg/contract"
)

// State 单条记录在一次 Writeback 调用内的状态。
//
//	Pending → InFlight → Succeeded
//	                   → Retryable → InFlight …
//	                   → Exhausted
type State int

const (
	Pending State = iota
	InFlight
	Succeeded
	Retryable
	Exhausted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Retryable:
		return "retryable"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Terminal 报告是否为终态。
func (s State) Terminal() bool { return s == Succeeded || s == Exhausted }

var transitions = map[State][]State{
	Pending:   {InFlight, Exhausted},
	InFlight:  {Succeeded, Retryable, Exhausted},
	Retryable: {InFlight, Exhausted},
}

// record 为引擎内部对 PendingUpdate 的可变包装。
type record struct {
	upd       contract.PendingUpdate
	state     State
	attempts  int
	unchanged bool // 成功但未写入（版本变化后重算无需修改）
	err       error
}

func (r *record) to(next State) error {
	for _, s := range transitions[r.state] {
		if s == next {
			r.state = next
			return nil
		}
	}
	return errors.Wrapf(contract.ErrInvariantViolation, "writeback: %s: illegal transition %s → %s", r.upd.NodeID, r.state, next)
}
