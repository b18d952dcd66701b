package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "listen-engine/internal/errors"
)

// Draft 是创建流水线时的输入，步骤之间以列表下标相互引用。
type Draft struct {
	UserID        string      `json:"user_id"`
	WalletAddress string      `json:"wallet_address"`
	Pubkey        string      `json:"pubkey"`
	Steps         []StepDraft `json:"steps"`
}

// StepDraft 是步骤的输入形式。NextSteps 为 nil 时按顺序串联到下一个步骤。
type StepDraft struct {
	Action     Action      `json:"-"`
	Conditions []Condition `json:"conditions"`
	NextSteps  []int       `json:"next_steps,omitempty"`
}

type stepDraftJSON struct {
	Action     json.RawMessage `json:"action"`
	Conditions []Condition     `json:"conditions"`
	NextSteps  []int           `json:"next_steps,omitempty"`
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *StepDraft) UnmarshalJSON(data []byte) error {
	var wire stepDraftJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Action) == 0 {
		return xerrors.New(xerrors.CodeInvalidPipeline, "步骤缺少动作")
	}
	action, err := unmarshalAction(wire.Action)
	if err != nil {
		return err
	}
	d.Action = action
	d.Conditions = wire.Conditions
	d.NextSteps = wire.NextSteps
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d StepDraft) MarshalJSON() ([]byte, error) {
	action, err := marshalAction(d.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepDraftJSON{Action: action, Conditions: d.Conditions, NextSteps: d.NextSteps})
}

// Build 为草稿分配 ID 并生成处于 Pending 状态的流水线。
// 若没有任何步骤声明 next_steps，则步骤依次串联；前沿为所有没有入边的步骤。
func (d Draft) Build(now time.Time) (*Pipeline, error) {
	if strings.TrimSpace(d.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	if len(d.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "流水线至少需要一个步骤")
	}

	ids := make([]uuid.UUID, len(d.Steps))
	for i := range ids {
		ids[i] = uuid.New()
	}

	explicit := false
	for _, s := range d.Steps {
		if s.NextSteps != nil {
			explicit = true
			break
		}
	}

	inbound := make([]bool, len(d.Steps))
	steps := make(map[uuid.UUID]*Step, len(d.Steps))
	for i, s := range d.Steps {
		if s.Action == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个步骤缺少动作", i))
		}
		var next []int
		switch {
		case explicit:
			next = s.NextSteps
		case i+1 < len(d.Steps):
			next = []int{i + 1}
		}
		nextIDs := make([]uuid.UUID, 0, len(next))
		for _, n := range next {
			if n < 0 || n >= len(d.Steps) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个步骤的后继下标 %d 越界", i, n))
			}
			if n == i {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个步骤不能指向自身", i))
			}
			inbound[n] = true
			nextIDs = append(nextIDs, ids[n])
		}
		conditions := s.Conditions
		if conditions == nil {
			conditions = []Condition{}
		}
		steps[ids[i]] = &Step{
			ID:         ids[i],
			Action:     s.Action,
			Conditions: conditions,
			NextSteps:  nextIDs,
			Status:     StatusPending,
		}
	}

	frontier := make([]uuid.UUID, 0, 1)
	for i, has := range inbound {
		if !has {
			frontier = append(frontier, ids[i])
		}
	}
	if len(frontier) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "步骤图没有入口步骤")
	}

	p := &Pipeline{
		ID:            uuid.New(),
		UserID:        d.UserID,
		WalletAddress: d.WalletAddress,
		Pubkey:        d.Pubkey,
		CurrentSteps:  frontier,
		Steps:         steps,
		Status:        StatusPending,
		CreatedAt:     now.UTC(),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
