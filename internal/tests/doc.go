// Package tests 端到端测试, 通过 bootstrap 组装真实的 sqlite 存储, 本地锁和站内信通知,
// 用 commonregister 注册的招聘工作流跑完整的触发, 审批, 取消和超时流程。
//
// 单个组件的测试在各自的包里, 这里只验证组件组合起来之后的行为。
package tests
