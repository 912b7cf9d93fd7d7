// Package api 暴露定投编排器的 REST 接口：调度启停、单次执行、
// 凭证续签、状态查询以及决策与审计历史。
package api
