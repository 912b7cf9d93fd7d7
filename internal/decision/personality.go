package decision

import "strings"

// Personality 描述一套风险偏好参数。引擎的守护规则与边界裁剪
// 都以这些参数为准，推理服务只拿到 Posture 文本作为提示。
type Personality struct {
	Name string
	// Posture 是注入推理提示词的风险立场描述。
	Posture string
	// MaxRepeat 是允许连续选中同一标的的最大次数。
	MaxRepeat int
	// 单次交易金额占组合总值的比例下限与上限。
	MinAmountPct float64
	MaxAmountPct float64
	// Guarded 为 true 时启用保守守护：买入目标必须同时满足
	// 下面三个指标阈值，否则被替换为更稳妥的标的。
	Guarded       bool
	MinMomentum   float64
	MaxVolatility float64
	MinLiquidity  float64
	// DefaultIntervalSeconds 是该人格的默认决策周期。
	DefaultIntervalSeconds int64
}

var presets = map[string]Personality{
	"conservative": {
		Name: "conservative",
		Posture: "你极度厌恶风险。只在动量明确、波动低、流动性充足时小仓位买入，" +
			"拿不准就选择 hold。绝不追高，绝不重仓。",
		MaxRepeat:              1,
		MinAmountPct:           0.01,
		MaxAmountPct:           0.05,
		Guarded:                true,
		MinMomentum:            0.55,
		MaxVolatility:          0.35,
		MinLiquidity:           0.60,
		DefaultIntervalSeconds: 21600,
	},
	"balanced": {
		Name: "balanced",
		Posture: "你追求稳健的长期定投。优先分散持仓，单次仓位适中，" +
			"市场信号矛盾时倾向于小额定投而不是观望。",
		MaxRepeat:              1,
		MinAmountPct:           0.02,
		MaxAmountPct:           0.10,
		DefaultIntervalSeconds: 3600,
	},
	"aggressive": {
		Name: "aggressive",
		Posture: "你愿意为高收益承担高波动。动量强时可以加大仓位并连续加仓，" +
			"但仍然只在白名单内选择标的。",
		MaxRepeat:              2,
		MinAmountPct:           0.05,
		MaxAmountPct:           0.25,
		DefaultIntervalSeconds: 1800,
	},
	"contrarian": {
		Name: "contrarian",
		Posture: "你倾向于逆势操作：在市场恐慌、动量走弱时分批买入，" +
			"在市场狂热时逐步把收益轮动到稳定资产。",
		MaxRepeat:              1,
		MinAmountPct:           0.02,
		MaxAmountPct:           0.10,
		DefaultIntervalSeconds: 7200,
	},
}

// DefaultPersonality 是未指定人格时的缺省选择。
const DefaultPersonality = "balanced"

// PersonalityByName 按名称查找预设人格，名称大小写不敏感。
func PersonalityByName(name string) (Personality, bool) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Personalities 返回全部预设人格名称，供接口层做参数校验。
func Personalities() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
