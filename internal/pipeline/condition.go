package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "listen-engine/internal/errors"
)

// NowAsset 是资产索引中的保留桶：位于其中的流水线在每一个价格 tick 上都会被检查。
const NowAsset = "NOW"

// ConditionType 是条件树节点的封闭联合类型，具体变体见下方各类型。
type ConditionType interface {
	conditionType() string
}

// PriceAbove 在资产价格大于等于阈值时成立。
type PriceAbove struct {
	Asset string  `json:"asset"`
	Value float64 `json:"value"`
}

// PriceBelow 在资产价格小于等于阈值时成立。
type PriceBelow struct {
	Asset string  `json:"asset"`
	Value float64 `json:"value"`
}

// Now 恒成立，用于让流水线在每个 tick 上被检查。
type Now struct {
	Asset string `json:"asset"`
}

// And 要求所有子条件成立。
type And []Condition

// Or 要求任一子条件成立。
type Or []Condition

// GTTimer 在当前时间晚于 At 时成立。
type GTTimer struct {
	At time.Time
}

// LTTimer 在当前时间早于 At 时成立。
type LTTimer struct {
	At time.Time
}

func (PriceAbove) conditionType() string { return "PriceAbove" }
func (PriceBelow) conditionType() string { return "PriceBelow" }
func (Now) conditionType() string        { return "Now" }
func (And) conditionType() string        { return "And" }
func (Or) conditionType() string         { return "Or" }
func (GTTimer) conditionType() string    { return "GTTimer" }
func (LTTimer) conditionType() string    { return "LTTimer" }

// Condition 是条件树中的一个节点。Triggered 与 LastEvaluated 随记录保存，求值器不读取它们。
type Condition struct {
	Type          ConditionType
	Triggered     bool
	LastEvaluated *time.Time
}

// NewCondition 以默认的簿记字段构造条件。
func NewCondition(t ConditionType) Condition {
	return Condition{Type: t}
}

type conditionJSON struct {
	ConditionType json.RawMessage `json:"condition_type"`
	Triggered     bool            `json:"triggered"`
	LastEvaluated *time.Time      `json:"last_evaluated"`
}

// MarshalJSON 以外部标签形式编码条件类型，例如 {"PriceAbove": {...}}。
func (c Condition) MarshalJSON() ([]byte, error) {
	raw, err := marshalConditionType(c.Type)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conditionJSON{
		ConditionType: raw,
		Triggered:     c.Triggered,
		LastEvaluated: c.LastEvaluated,
	})
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (c *Condition) UnmarshalJSON(data []byte) error {
	var wire conditionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ct, err := unmarshalConditionType(wire.ConditionType)
	if err != nil {
		return err
	}
	c.Type = ct
	c.Triggered = wire.Triggered
	c.LastEvaluated = wire.LastEvaluated
	return nil
}

func marshalConditionType(ct ConditionType) (json.RawMessage, error) {
	var payload any
	switch v := ct.(type) {
	case PriceAbove, PriceBelow, Now:
		payload = v
	case And:
		payload = nonNilConditions(v)
	case Or:
		payload = nonNilConditions(v)
	case GTTimer:
		payload = v.At.UTC()
	case LTTimer:
		payload = v.At.UTC()
	case nil:
		return nil, xerrors.New(xerrors.CodeInvalidConditionType, "条件类型为空")
	default:
		return nil, xerrors.New(xerrors.CodeInvalidConditionType, fmt.Sprintf("不支持的条件类型 %T", ct))
	}
	return json.Marshal(map[string]any{ct.conditionType(): payload})
}

func unmarshalConditionType(raw json.RawMessage) (ConditionType, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConditionType, err, "条件类型格式错误")
	}
	if len(tagged) != 1 {
		return nil, xerrors.New(xerrors.CodeInvalidConditionType, fmt.Sprintf("条件类型需要唯一标签，得到 %d 个", len(tagged)))
	}
	for tag, body := range tagged {
		switch tag {
		case "PriceAbove":
			var v PriceAbove
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		case "PriceBelow":
			var v PriceBelow
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		case "Now":
			var v Now
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		case "And":
			var v []Condition
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return And(v), nil
		case "Or":
			var v []Condition
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return Or(v), nil
		case "GTTimer":
			var at time.Time
			if err := json.Unmarshal(body, &at); err != nil {
				return nil, err
			}
			return GTTimer{At: at}, nil
		case "LTTimer":
			var at time.Time
			if err := json.Unmarshal(body, &at); err != nil {
				return nil, err
			}
			return LTTimer{At: at}, nil
		default:
			return nil, xerrors.New(xerrors.CodeInvalidConditionType, "未知的条件类型: "+tag,
				xerrors.WithMetadata("tag", tag))
		}
	}
	return nil, xerrors.New(xerrors.CodeInvalidConditionType, "")
}

func nonNilConditions(list []Condition) []Condition {
	if list == nil {
		return []Condition{}
	}
	return list
}

// collectAssets 把条件树引用的资产写入 dst。Now 与计时器条件没有可订阅的资产，归入 NowAsset 桶。
func collectAssets(c Condition, dst map[string]struct{}) {
	switch v := c.Type.(type) {
	case PriceAbove:
		dst[v.Asset] = struct{}{}
	case PriceBelow:
		dst[v.Asset] = struct{}{}
	case Now, GTTimer, LTTimer:
		dst[NowAsset] = struct{}{}
	case And:
		for _, child := range v {
			collectAssets(child, dst)
		}
	case Or:
		for _, child := range v {
			collectAssets(child, dst)
		}
	}
}
