// Package api 暴露查询任务的 REST 接口，并挂载聊天页面、健康检查与 Prometheus 指标。
package api
