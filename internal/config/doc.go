// Package config 负责加载守护进程的 JSON 配置，并提供默认值与
// 环境变量覆盖。配置文件路径默认从 AUTODCA_CONFIG 环境变量读取。
package config
