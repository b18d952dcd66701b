package pipeline

import (
	"encoding/json"
	"fmt"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
)

// Action 是步骤动作的封闭联合类型：SwapOrder、PaymentOrder 或 Notification。
type Action interface {
	actionKind() string
}

// SwapOrder 描述一次（可能跨链的）代币兑换。Amount 为输入代币最小单位的十进制字符串。
type SwapOrder struct {
	InputToken     string `json:"input_token"`
	OutputToken    string `json:"output_token"`
	Amount         string `json:"amount"`
	FromChainCAIP2 string `json:"from_chain_caip2"`
	ToChainCAIP2   string `json:"to_chain_caip2"`
}

// PaymentOrder 描述一次支付，链上组装方式与兑换相同。
type PaymentOrder struct {
	InputToken     string `json:"input_token"`
	OutputToken    string `json:"output_token"`
	Amount         string `json:"amount"`
	FromChainCAIP2 string `json:"from_chain_caip2"`
	ToChainCAIP2   string `json:"to_chain_caip2"`
}

// Notification 描述一条推送给用户的通知。
type Notification struct {
	Message string `json:"message"`
}

func (SwapOrder) actionKind() string    { return "Order" }
func (PaymentOrder) actionKind() string { return "Payment" }
func (Notification) actionKind() string { return "Notification" }

// IsEVM 判断订单的源链是否属于 EVM 地址空间。
func (o SwapOrder) IsEVM() bool {
	return chain.IsEVM(o.FromChainCAIP2)
}

// AsSwap 把支付转换为等价的兑换订单。
func (p PaymentOrder) AsSwap() SwapOrder {
	return SwapOrder(p)
}

// ActionKind 返回动作的标签名，用于日志与指标。
func ActionKind(a Action) string {
	if a == nil {
		return ""
	}
	return a.actionKind()
}

func marshalAction(a Action) (json.RawMessage, error) {
	switch a.(type) {
	case SwapOrder, PaymentOrder, Notification:
		return json.Marshal(map[string]Action{a.actionKind(): a})
	case nil:
		return nil, xerrors.New(xerrors.CodeInvalidPipeline, "步骤缺少动作")
	default:
		return nil, xerrors.New(xerrors.CodeInvalidPipeline, fmt.Sprintf("不支持的动作类型 %T", a))
	}
}

func unmarshalAction(raw json.RawMessage) (Action, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidPipeline, err, "动作格式错误")
	}
	if len(tagged) != 1 {
		return nil, xerrors.New(xerrors.CodeInvalidPipeline, fmt.Sprintf("动作需要唯一标签，得到 %d 个", len(tagged)))
	}
	for tag, body := range tagged {
		switch tag {
		case "Order":
			var order SwapOrder
			if err := json.Unmarshal(body, &order); err != nil {
				return nil, err
			}
			return order, nil
		case "Payment":
			var payment PaymentOrder
			if err := json.Unmarshal(body, &payment); err != nil {
				return nil, err
			}
			return payment, nil
		case "Notification":
			var n Notification
			if err := json.Unmarshal(body, &n); err != nil {
				return nil, err
			}
			return n, nil
		default:
			return nil, xerrors.New(xerrors.CodeInvalidPipeline, "未知的动作类型: "+tag)
		}
	}
	return nil, xerrors.New(xerrors.CodeInvalidPipeline, "")
}
