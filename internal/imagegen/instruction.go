package imagegen

import (
	"fmt"
	"strings"
)

// BuildEditInstruction wraps the user's edit request for chat models that edit images.
// With several reference images the instruction tells the model how many it received.
func BuildEditInstruction(prompt string, references int) string {
	var sb strings.Builder
	sb.WriteString("\n请根据以下要求编辑图片并直接返回编辑后的图片：\n")
	if references > 1 {
		fmt.Fprintf(&sb, "参考图片：共%d张，按上传顺序依次编号为图1至图%d\n", references, references)
	}
	fmt.Fprintf(&sb, "编辑要求：%s\n", strings.TrimSpace(prompt))
	sb.WriteString("请严格按照要求对图片进行编辑。直接返回编辑后的图片，无需额外说明。\n")
	return sb.String()
}

// BuildCoverPrompt asks a chat model for a static HTML cover rendered into #maincover.
func BuildCoverPrompt(topic string, size Size, style string) string {
	return fmt.Sprintf(`
# 请使用HTML、JS和CSS设计一个视觉吸引力强的封面图，确保设计既美观又专业，能够有效吸引受众的注意力

## 具有以下特点
- 尺寸规格：固定宽高为%dpx×%dpx
- 文字限制：只需要包含主题内容的文字，可以拆分关键词优化显示
- 主题内容："%s"

## 设计风格
%s
- 配色方案自动根据风格生成，确保视觉效果和谐

## 排版要求：
- 主标题字体大小合适，确保清晰可辨，最好居中显示
- 自动定位关键词，可特别突出，可考虑使用醒目颜色或特殊设计元素
- 整体布局平衡，视觉层次分明

## 额外元素：
- 可以根据主题内容，简单适配一些标签、图标或相关图形
- 考虑添加简约的装饰元素增强视觉吸引力

## 实用性考虑：
- 设计应适合截图分享到社交媒体
- 确保边缘有足够留白以适应不同平台的显示需求
- 文字对比度要高，确保在小尺寸下仍清晰可读

## 交付要求
- 只需要返回一个设计后的html代码，里面包含完整HTML、JS、CSS代码内容，页面元素不要交互和动画效果，浏览器打开页面渲染完就是最终的静态效果
- 封面图应该放在id=maincover的标签中，以便于我后续截图这个标签的内容作为封面图
`, size.Width, size.Height, strings.TrimSpace(topic), strings.TrimSpace(style))
}

// BuildChartQuestion asks the chart flow to draw the named chart type from the user's data.
func BuildChartQuestion(chartType, prompt string) string {
	return fmt.Sprintf("您是一个统计图表设计生成器，必须根据用户的提示词画出”%s“，用户的提示词内容如下：\n```\n%s\n```\n",
		ChartName(chartType), strings.TrimSpace(prompt))
}
