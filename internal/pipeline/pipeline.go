package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	xerrors "listen-engine/internal/errors"
)

// Status 描述流水线与步骤的状态。Pending 是唯一的活跃状态，其余均为终态。
type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal 判断状态是否已离开 Pending。
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Valid 判断状态是否为已知取值。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Step 是步骤图中的一个节点。
type Step struct {
	ID              uuid.UUID   `json:"id"`
	Action          Action      `json:"-"`
	Conditions      []Condition `json:"conditions"`
	NextSteps       []uuid.UUID `json:"next_steps"`
	Status          Status      `json:"status"`
	TransactionHash *string     `json:"transaction_hash"`
	Error           *string     `json:"error"`
}

type stepAlias Step

type stepJSON struct {
	*stepAlias
	Action json.RawMessage `json:"action"`
}

// MarshalJSON 实现 json.Marshaler，动作以外部标签形式编码。
func (s Step) MarshalJSON() ([]byte, error) {
	action, err := marshalAction(s.Action)
	if err != nil {
		return nil, err
	}
	alias := stepAlias(s)
	if alias.Conditions == nil {
		alias.Conditions = []Condition{}
	}
	if alias.NextSteps == nil {
		alias.NextSteps = []uuid.UUID{}
	}
	return json.Marshal(stepJSON{stepAlias: &alias, Action: action})
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (s *Step) UnmarshalJSON(data []byte) error {
	wire := stepJSON{stepAlias: (*stepAlias)(s)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Action) == 0 {
		return xerrors.New(xerrors.CodeInvalidPipeline, "步骤缺少动作",
			xerrors.WithMetadata("step_id", s.ID.String()))
	}
	action, err := unmarshalAction(wire.Action)
	if err != nil {
		return err
	}
	s.Action = action
	return nil
}

// Complete 把步骤标记为完成并记录交易哈希。
func (s *Step) Complete(txHash string) {
	s.Status = StatusCompleted
	s.Error = nil
	if txHash != "" {
		s.TransactionHash = &txHash
	}
}

// Fail 把步骤标记为失败并记录错误文本。
func (s *Step) Fail(err error) {
	s.Status = StatusFailed
	s.RecordError(err)
}

// RecordError 仅记录错误文本，步骤状态保持不变。
func (s *Step) RecordError(err error) {
	if err == nil {
		s.Error = nil
		return
	}
	msg := err.Error()
	s.Error = &msg
}

// Pipeline 描述一个由步骤图组成的自动化流水线。
type Pipeline struct {
	ID            uuid.UUID           `json:"id"`
	UserID        string              `json:"user_id"`
	WalletAddress string              `json:"wallet_address"`
	Pubkey        string              `json:"pubkey"`
	CurrentSteps  []uuid.UUID         `json:"current_steps"`
	Steps         map[uuid.UUID]*Step `json:"steps"`
	Status        Status              `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
}

// DedupKey 返回 user_id:pipeline_id，是流水线互斥处理的单位。
func (p *Pipeline) DedupKey() string {
	return DedupKey(p.UserID, p.ID)
}

// DedupKey 根据用户与流水线 ID 生成去重键。
func DedupKey(userID string, id uuid.UUID) string {
	return userID + ":" + id.String()
}

// Assets 返回流水线所有步骤条件引用的资产（含 NowAsset 哨兵），按字典序排列。
// 已完成或失败的步骤同样计入。
func (p *Pipeline) Assets() []string {
	set := make(map[string]struct{})
	for _, step := range p.Steps {
		if step == nil {
			continue
		}
		for _, c := range step.Conditions {
			collectAssets(c, set)
		}
	}
	assets := make([]string, 0, len(set))
	for asset := range set {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Validate 校验流水线的结构约束：前沿中的每个步骤以及每条边的目标都必须存在。
func (p *Pipeline) Validate() error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidPipeline, "流水线为空")
	}
	if p.ID == uuid.Nil {
		return xerrors.New(xerrors.CodeInvalidPipeline, "流水线缺少 ID")
	}
	if p.UserID == "" {
		return xerrors.New(xerrors.CodeInvalidPipeline, "流水线缺少 user_id")
	}
	if !p.Status.Valid() {
		return xerrors.New(xerrors.CodeInvalidPipeline, fmt.Sprintf("未知的流水线状态 %q", p.Status))
	}
	for _, id := range p.CurrentSteps {
		if _, ok := p.Steps[id]; !ok {
			return xerrors.New(xerrors.CodeInvalidPipeline, "前沿步骤不存在: "+id.String(),
				xerrors.WithMetadata("step_id", id.String()))
		}
	}
	for id, step := range p.Steps {
		if step == nil {
			return xerrors.New(xerrors.CodeInvalidPipeline, "步骤为空: "+id.String())
		}
		if step.ID != id {
			return xerrors.New(xerrors.CodeInvalidPipeline, "步骤 ID 与键不一致: "+id.String())
		}
		if step.Action == nil {
			return xerrors.New(xerrors.CodeInvalidPipeline, "步骤缺少动作: "+id.String())
		}
		for _, next := range step.NextSteps {
			if _, ok := p.Steps[next]; !ok {
				return xerrors.New(xerrors.CodeInvalidPipeline, "后继步骤不存在: "+next.String(),
					xerrors.WithMetadata("step_id", id.String()))
			}
		}
	}
	return nil
}
