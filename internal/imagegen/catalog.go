package imagegen

import (
	"errors"
	"strings"

	"imagepage/internal/domain"
	"imagepage/internal/infra"
)

// flavorEnv lists the environment variables each flavor needs before dispatch.
var flavorEnv = map[domain.Flavor][]string{
	domain.FlavorJimeng:      {infra.EnvOpenAIBaseURL, infra.EnvOpenAIAPIKey},
	domain.FlavorGPT4o:       {infra.EnvOpenAIBaseURL, infra.EnvOpenAIAPIKey},
	domain.FlavorKontext:     {infra.EnvFalKey},
	domain.FlavorGemini:      {infra.EnvGeminiBaseURL, infra.EnvGeminiAPIKey, infra.EnvGeminiModel},
	domain.FlavorGeminiMulti: {infra.EnvGeminiBaseURL, infra.EnvGeminiAPIKey, infra.EnvGeminiModel},
	domain.FlavorCover:       {infra.EnvCoverBaseURL, infra.EnvCoverAPIKey, infra.EnvCoverModel, infra.EnvScreenBaseURL},
	domain.FlavorChart:       {infra.EnvFlowiseURL},
}

var sizeOptions = map[domain.Flavor][]string{
	domain.FlavorJimeng: {
		"3024x1296x(21:9)",
		"2560x1440x(16:9)",
		"2496x1664x(3:2)",
		"2304x1728x(4:3)",
		"2048x2048x(1:1)",
		"1728x2304x(3:4)",
		"1664x2496x(2:3)",
		"1440x2560x(9:16)",
	},
	domain.FlavorGPT4o: {
		"1024x1024x(1:1)",
		"1024x1536x(2:3)",
		"1536x1024x(3:2)",
	},
	domain.FlavorCover: {
		"1024x1024x(1:1)",
		"1024x576x(16:9)",
		"576x1024x(9:16)",
		"1024x768x(4:3)",
		"768x1024x(3:4)",
		"800x1200x(2:3)",
		"1200x800x(3:2)",
	},
}

var defaultSizes = map[domain.Flavor]string{
	domain.FlavorJimeng: "2048x2048x(1:1)",
	domain.FlavorGPT4o:  "1024x1024x(1:1)",
	domain.FlavorCover:  "1024x576x(16:9)",
}

// CoverStyles are the design presets offered by the cover flavor. The first is the default.
var CoverStyles = []string{
	"现代简约风格，干净利落的线条和留白设计",
	"高科技风格，带有未来感和数字元素",
	"渐变色背景，富有视觉层次感",
	"极简主义设计，最大程度简化元素",
	"抽象艺术风格，包含独特的形状和色彩组合",
	"毛玻璃质感，搭配现代渐变色",
	"3D立体元素与光影效果",
	"故障艺术(Glitch Art)风格",
	"孟菲斯风格(Memphis Design)",
	"蒸汽波(Vaporwave)美学",
	"新拟物化(Neumorphism)设计",
}

// ChartTypes are "name-description" presets of the chart flavor. The first is the default.
var ChartTypes = []string{
	"条形图-展示不同类别之间的数值比较",
	"柱状图-适合比较分类数据",
	"饼图-展示部分与整体的比例",
	"直方图-展示特定范围内数据点的频率",
	"面积图-展示连续自变量下的数据趋势",
	"鱼骨图-展示问题的原因或结果",
	"流程图-展示过程或系统的步骤和决策点",
	"折线图-展示随时间变化的趋势",
	"思维导图-以层次结构展示信息",
	"网络图-展示实体之间的关系",
	"雷达图-展示多维数据",
	"散点图-展示两个变量之间的关系",
	"树形图-展示层次数据",
	"词云图-通过文本大小变化展示词频或权重",
	"双轴图-结合两种不同图表类型",
}

// SizeOptions returns the selectable sizes of a flavor; nil when the flavor has no size selector.
func SizeOptions(f domain.Flavor) []string {
	return sizeOptions[f]
}

// DefaultSize returns the preselected size of a flavor.
func DefaultSize(f domain.Flavor) string {
	return defaultSizes[f]
}

// ChartName returns the name part of a chart preset.
func ChartName(preset string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(preset), "-")
	return name
}

// FlavorInfo describes a flavor for UI selectors.
type FlavorInfo struct {
	Flavor         domain.Flavor  `json:"flavor"`
	NeedsReference bool           `json:"needs_reference"`
	Sizes          []string       `json:"sizes,omitempty"`
	DefaultSize    string         `json:"default_size,omitempty"`
	Styles         []string       `json:"styles,omitempty"`
	ChartTypes     []string       `json:"chart_types,omitempty"`
	Models         []string       `json:"models,omitempty"`
	ModelCounts    map[string]int `json:"model_counts,omitempty"`
	Enabled        bool           `json:"enabled"`
	Missing        string         `json:"missing,omitempty"`
}

// Catalog describes every flavor with its selectable options and whether the
// current configuration can serve it.
func (s *Service) Catalog() []FlavorInfo {
	out := make([]FlavorInfo, 0, len(domain.Flavors))
	for _, f := range domain.Flavors {
		info := FlavorInfo{
			Flavor:         f,
			NeedsReference: f.NeedsReference(),
			Sizes:          SizeOptions(f),
			DefaultSize:    DefaultSize(f),
			Enabled:        true,
		}
		switch f {
		case domain.FlavorCover:
			info.Styles = CoverStyles
			info.Models = s.cfg.CoverModels
			info.ModelCounts = make(map[string]int, len(s.cfg.CoverModels))
			for _, m := range s.cfg.CoverModels {
				info.ModelCounts[m] = s.cfg.CoverCount(m)
			}
		case domain.FlavorChart:
			info.ChartTypes = ChartTypes
		}
		if err := s.cfg.Require(flavorEnv[f]...); err != nil {
			info.Enabled = false
			var cfgErr *domain.ConfigError
			if errors.As(err, &cfgErr) {
				info.Missing = cfgErr.Variable
			}
		}
		out = append(out, info)
	}
	return out
}
