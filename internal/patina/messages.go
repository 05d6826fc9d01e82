package patina

import "github.com/ideamans/go-l10n"

func init() {
	l10n.Register("zh", l10n.LexiconMap{
		"Loading engine...":                        "正在加载 FFmpeg 核心组件...",
		"Engine ready":                             "FFmpeg 已就绪",
		"Engine failed to load: %s":                "FFmpeg 加载失败: %s",
		"Uploading video to engine...":             "正在上传视频到FFmpeg...",
		"Pre-processing video (scaling)...":        "正在预处理视频（缩放）...",
		"Processing iteration %d/%d...":            "正在处理第 %d/%d 次迭代...",
		"Reading final output file...":             "正在读取最终输出文件...",
		"Patina complete! %d iterations processed": "包浆完成！共处理 %d 次迭代",
		"Patina processing failed: %s":             "包浆处理失败: %s",
		"Session reset":                            "已重置",
		"Please upload a video file first":         "请先上传一个视频文件！",
		"Uploading output to object storage...":    "正在上传输出文件...",
	})
}
