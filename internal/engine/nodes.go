package engine

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// 节点类型是封闭枚举，调度处的 switch 必须穷尽所有分支。
const (
	NodeCondition    = "condition"
	NodeSwap         = "swap"
	NodeBridge       = "bridge"
	NodeStake        = "stake"
	NodeSupplyAsset  = "supply_asset"
	NodeNotification = "notification"
)

const CodeNodeConfig xerrors.Code = "NODE_CONFIG_INVALID"

func init() {
	xerrors.Register(CodeNodeConfig, xerrors.Attributes{
		Message:   "node configuration is invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ConditionNodeConfig 有两种形态：给出 source 时，引擎先到链上
// 数据源取当前值，再与 value 阈值比较；否则直接比较 left 与
// right 两个已解析的字面值。
type ConditionNodeConfig struct {
	Source   string `mapstructure:"source"`
	Chain    string `mapstructure:"chain"`
	Key      string `mapstructure:"key"`
	Value    any    `mapstructure:"value"`
	Left     any    `mapstructure:"left"`
	Operator string `mapstructure:"operator"`
	Right    any    `mapstructure:"right"`
}

// SwapNodeConfig 描述一次代币兑换。Target 是授权白名单里的合约
// 地址，Amount 为基础单位的十进制字符串。
type SwapNodeConfig struct {
	Chain     string `mapstructure:"chain"`
	FromToken string `mapstructure:"from_token"`
	ToToken   string `mapstructure:"to_token"`
	Amount    string `mapstructure:"amount"`
	Target    string `mapstructure:"target"`
}

// BridgeNodeConfig 描述一次跨链转移。
type BridgeNodeConfig struct {
	FromChain string `mapstructure:"from_chain"`
	ToChain   string `mapstructure:"to_chain"`
	Token     string `mapstructure:"token"`
	Amount    string `mapstructure:"amount"`
	Target    string `mapstructure:"target"`
}

// StakeNodeConfig 描述一次质押。
type StakeNodeConfig struct {
	Chain    string `mapstructure:"chain"`
	Protocol string `mapstructure:"protocol"`
	Asset    string `mapstructure:"asset"`
	Amount   string `mapstructure:"amount"`
	Target   string `mapstructure:"target"`
}

// SupplyNodeConfig 描述一次借贷市场存入。
type SupplyNodeConfig struct {
	Chain    string `mapstructure:"chain"`
	Protocol string `mapstructure:"protocol"`
	Asset    string `mapstructure:"asset"`
	Amount   string `mapstructure:"amount"`
	Target   string `mapstructure:"target"`
}

// NotificationNodeConfig 描述一次 webhook 通知。
type NotificationNodeConfig struct {
	URL     string `mapstructure:"url"`
	Message string `mapstructure:"message"`
}

// decodeNodeConfig 把解析完占位符的配置一次性解码为具体类型，
// 后续逻辑不再接触原始 map。
func decodeNodeConfig(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return xerrors.Wrap(CodeNodeConfig, err, "构建节点配置解码器失败")
	}
	if err := decoder.Decode(raw); err != nil {
		return xerrors.Wrap(CodeNodeConfig, err, "解码节点配置失败")
	}
	return nil
}

// evaluateCondition 对两个值做比较。两边都能解析为数值时按数值
// 比较，否则按字符串比较。
func evaluateCondition(cfg ConditionNodeConfig) (bool, error) {
	leftNum, leftOK := toFloat(cfg.Left)
	rightNum, rightOK := toFloat(cfg.Right)

	if leftOK && rightOK {
		switch cfg.Operator {
		case "eq", "==":
			return leftNum == rightNum, nil
		case "neq", "!=":
			return leftNum != rightNum, nil
		case "gt", ">":
			return leftNum > rightNum, nil
		case "gte", ">=":
			return leftNum >= rightNum, nil
		case "lt", "<":
			return leftNum < rightNum, nil
		case "lte", "<=":
			return leftNum <= rightNum, nil
		}
	}

	leftText := fmt.Sprintf("%v", cfg.Left)
	rightText := fmt.Sprintf("%v", cfg.Right)
	switch cfg.Operator {
	case "eq", "==":
		return leftText == rightText, nil
	case "neq", "!=":
		return leftText != rightText, nil
	case "gt", ">", "gte", ">=", "lt", "<", "lte", "<=":
		return false, xerrors.New(CodeNodeConfig,
			fmt.Sprintf("比较运算符 %q 需要数值操作数", cfg.Operator))
	default:
		return false, xerrors.New(CodeNodeConfig,
			fmt.Sprintf("未知的比较运算符 %q", cfg.Operator))
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
