package handlers

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	msgPromptRequired    = "prompt_required"
	msgReferenceRequired = "reference_required"
	msgInvalidRequest    = "invalid_request"
	msgModelNotAllowed   = "model_not_allowed"
	msgNotConfigured     = "not_configured"
	msgProviderError     = "provider_error"
	msgTimeout           = "timeout"
	msgParseError        = "parse_error"
	msgNotFound          = "not_found"
	msgInternal          = "internal"
	msgAllFailed         = "all_variants_failed"
	msgUploadType        = "upload_type"
	msgUploadTooLarge    = "upload_too_large"
	msgUploadMissing     = "upload_missing"
	msgDownloadFailed    = "download_failed"
)

var messages = map[string][2]string{
	msgPromptRequired:    {"提示词不能为空！", "Prompt must not be empty."},
	msgReferenceRequired: {"原图不能为空！", "A reference image is required."},
	msgInvalidRequest:    {"请求参数无效：%s", "Invalid request parameter: %s"},
	msgModelNotAllowed:   {"不支持的模型：%s", "Model is not allowed: %s"},
	msgNotConfigured:     {"服务未配置：缺少环境变量 %s", "Service is not configured: %s is not set"},
	msgProviderError:     {"上游服务返回错误（HTTP %d）", "Upstream service failed (HTTP %d)"},
	msgTimeout:           {"等待超时，未能获取到图像数据", "Timed out waiting for image data"},
	msgParseError:        {"无法解析上游响应（%s）", "Could not parse upstream response (%s)"},
	msgNotFound:          {"资源不存在", "Not found"},
	msgInternal:          {"服务器内部错误", "Internal server error"},
	msgAllFailed:         {"所有图片生成均失败", "Every variant failed"},
	msgUploadType:        {"仅支持 PNG 或 JPG 图片", "Only PNG or JPEG images are accepted"},
	msgUploadTooLarge:    {"图片文件过大", "Image file is too large"},
	msgUploadMissing:     {"请选择要上传的图片", "No file was uploaded"},
	msgDownloadFailed:    {"下载图片失败", "Could not download image"},
}

func init() {
	for key, m := range messages {
		_ = message.SetString(language.Chinese, key, m[0])
		_ = message.SetString(language.English, key, m[1])
	}
}

// localize renders a message key in "zh" or "en"; other locales fall back to zh.
func localize(locale, key string, args ...any) string {
	tag := language.Chinese
	if locale == "en" {
		tag = language.English
	}
	return message.NewPrinter(tag).Sprintf(key, args...)
}
