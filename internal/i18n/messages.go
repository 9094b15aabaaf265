package i18n

import "golang.org/x/text/language"

var supported = []language.Tag{language.English, language.SimplifiedChinese}

var messages = map[language.Tag]map[string]string{
	language.English: {
		"success":                   "success",
		"queue.job_added":           "Job added to queue",
		"queue.jobs_added":          "%d jobs added to queue",
		"queue.job_completed":       "Job completed successfully",
		"queue.job_retried":         "Job scheduled for retry",
		"queue.job_failed":          "Job failed permanently",
		"queue.job_removed":         "Job removed from queue",
		"queue.cleared":             "Queue cleared",
		"queue.started":             "Queue processing started",
		"queue.stopped":             "Queue processing stopped",
		"queue.not_found":           "Queue %s not found",
		"queue.job_not_found":       "Job %s not found",
		"queue.already_processing":  "Queue is already processing",
		"queue.processor_not_found": "Processor %s not found",
		"queue.data_required":       "Job data is required",
		"error.bad_request":         "Bad request",
		"error.validation":          "Validation failed",
		"error.unauthorized":        "Authentication required",
		"error.forbidden":           "Access denied",
		"error.not_found":           "Resource not found",
		"error.conflict":            "Conflict",
		"error.unavailable":         "Service temporarily unavailable",
		"error.internal":            "Internal server error",
		"permission.policy_added":   "Policy added",
		"permission.policy_removed": "Policy removed",
		"permission.role_assigned":  "Role assigned",
		"permission.role_removed":   "Role removed",
		"permission.cache_cleared":  "Permission cache cleared",
	},
	language.SimplifiedChinese: {
		"success":                   "成功",
		"queue.job_added":           "任务已添加到队列",
		"queue.jobs_added":          "已添加 %d 个任务到队列",
		"queue.job_completed":       "任务执行成功",
		"queue.job_retried":         "任务已安排重试",
		"queue.job_failed":          "任务最终失败",
		"queue.job_removed":         "任务已从队列删除",
		"queue.cleared":             "队列已清空",
		"queue.started":             "队列开始处理",
		"queue.stopped":             "队列停止处理",
		"queue.not_found":           "队列 %s 不存在",
		"queue.job_not_found":       "任务 %s 不存在",
		"queue.already_processing":  "队列已在处理中",
		"queue.processor_not_found": "处理器 %s 不存在",
		"queue.data_required":       "任务数据不能为空",
		"error.bad_request":         "请求错误",
		"error.validation":          "参数校验失败",
		"error.unauthorized":        "认证失败",
		"error.forbidden":           "权限不足",
		"error.not_found":           "资源不存在",
		"error.conflict":            "资源冲突",
		"error.unavailable":         "服务暂时不可用",
		"error.internal":            "服务器内部错误",
		"permission.policy_added":   "策略已添加",
		"permission.policy_removed": "策略已删除",
		"permission.role_assigned":  "角色已分配",
		"permission.role_removed":   "角色已移除",
		"permission.cache_cleared":  "权限缓存已清空",
	},
}
