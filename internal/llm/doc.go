// Package llm 定义决策引擎与外部推理服务之间的边界。
package llm
