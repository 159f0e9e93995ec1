// Package deviation 实现路线偏离的去抖状态机。
//
// 去抖按连续样本数计数而不是时间窗口，因此与上报频率无关。
package deviation

import (
	"errors"
	"fmt"
	"time"

	"soma-geofence/internal/models"
)

// Status 偏离状态
type Status string

const (
	StatusOnRoute           Status = "on_route"
	StatusOffRoutePending   Status = "off_route_pending"
	StatusOffRouteConfirmed Status = "off_route_confirmed"
	StatusResolved          Status = "resolved"
)

// Action 状态迁移附带的动作
type Action string

const (
	ActionNone    Action = "none"
	ActionEmit    Action = "emit_deviation"
	ActionResolve Action = "resolve_deviation"
)

// ErrUnreliableSample 样本精度超过上限
var ErrUnreliableSample = errors.New("unreliable sample")

// Config 状态机配置
type Config struct {
	ConfirmSamples    int     // N：连续偏离样本数达到后确认
	RecoverSamples    int     // M：确认后连续回到路线样本数达到后解除
	MaxAccuracyMeters float64 // 精度上限
}

// State 会话内的状态机数据
type State struct {
	Status           Status    `json:"status"`
	OffRouteCount    int       `json:"off_route_count"`
	OnRouteCount     int       `json:"on_route_count"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Transition 单次 Step 的结果
type Transition struct {
	From   Status
	To     Status
	Action Action
}

// Changed 状态是否发生变化
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Machine 偏离状态机（无状态，State 由调用方持有）
type Machine struct {
	config Config
}

// NewMachine 创建状态机
func NewMachine(cfg Config) *Machine {
	if cfg.ConfirmSamples < 1 {
		cfg.ConfirmSamples = 3
	}
	if cfg.RecoverSamples < 1 {
		cfg.RecoverSamples = 1
	}
	if cfg.MaxAccuracyMeters <= 0 {
		cfg.MaxAccuracyMeters = 200
	}
	return &Machine{config: cfg}
}

// ConfirmSamples 确认偏离所需的连续样本数
func (m *Machine) ConfirmSamples() int {
	return m.config.ConfirmSamples
}

// Initial 初始状态
func (m *Machine) Initial(at time.Time) State {
	return State{Status: StatusOnRoute, LastTransitionAt: at}
}

// Reliable 精度超过上限的样本不进入状态机
func (m *Machine) Reliable(sample models.PositionSample) error {
	if sample.Accuracy > m.config.MaxAccuracyMeters {
		return fmt.Errorf("%w: accuracy %.1fm exceeds %.1fm", ErrUnreliableSample, sample.Accuracy, m.config.MaxAccuracyMeters)
	}
	return nil
}

// Step 根据一次匹配结果推进状态
func (m *Machine) Step(s State, onRoute bool, at time.Time) (State, Transition) {
	from := s.Status
	action := ActionNone

	switch s.Status {
	case StatusOnRoute, "":
		s.Status = StatusOnRoute
		if !onRoute {
			s.OffRouteCount = 1
			s.Status = StatusOffRoutePending
			if s.OffRouteCount >= m.config.ConfirmSamples {
				s.Status = StatusOffRouteConfirmed
				s.OnRouteCount = 0
				action = ActionEmit
			}
		}

	case StatusOffRoutePending:
		if onRoute {
			s.Status = StatusOnRoute
			s.OffRouteCount = 0
			break
		}
		s.OffRouteCount++
		if s.OffRouteCount >= m.config.ConfirmSamples {
			s.Status = StatusOffRouteConfirmed
			s.OnRouteCount = 0
			action = ActionEmit
		}

	case StatusOffRouteConfirmed:
		if !onRoute {
			s.OffRouteCount++
			s.OnRouteCount = 0
			break
		}
		s.OnRouteCount++
		if s.OnRouteCount >= m.config.RecoverSamples {
			s.Status = StatusOnRoute
			s.OffRouteCount = 0
			s.OnRouteCount = 0
			action = ActionResolve
		}

	case StatusResolved:
		// 会话已结束，不再迁移
	}

	if s.Status != from {
		s.LastTransitionAt = at
	}
	return s, Transition{From: from, To: s.Status, Action: action}
}

// Teardown 会话结束：已确认的偏离需要解除报警
func (m *Machine) Teardown(s State, at time.Time) (State, Transition) {
	from := s.Status
	action := ActionNone
	if from == StatusOffRouteConfirmed {
		action = ActionResolve
	}
	s.Status = StatusResolved
	s.OffRouteCount = 0
	s.OnRouteCount = 0
	s.LastTransitionAt = at
	return s, Transition{From: from, To: StatusResolved, Action: action}
}
