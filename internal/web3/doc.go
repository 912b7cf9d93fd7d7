// Package web3 定义外部链网关的边界：批量提交已授权的链上调用、
// 轮询回执、读取账户字节码与余额、采集市场指标、以及在链上撤销
// 执行凭证。包内只有类型与错误映射，具体实现按链类型放在子包中。
package web3
