// Package automation 招聘系统的工作流自动化引擎。
//
// 实体(职位, 候选人, 推荐等)发生生命周期事件时, 引擎找到匹配的启用中的工作流,
// 按条件树判断是否触发, 触发后创建一次执行, 然后按触发点执行声明式的动作,
// 审批类工作流还会按步骤顺序解析审批人并等待审批结果。
//
// 主要特性：
//   - 条件树：and/or 组合字段谓词, 支持 changed/changed_to/changed_from 等对比更新前记录的操作符
//   - 审批链：指定用户, 记录负责人, 负责人上级, 角色, 团队负责人, 受限表达式六种审批人策略
//   - 动作：更新字段, 发通知, 建活动, 建任务, 分配负责人, 调用 webhook, 调用其它工作流
//   - 数据持久化：基于 GORM, 默认使用 SQLite
//   - 并发安全：同一个执行的状态推进互斥, 支持本地锁和分布式锁（Redis）
//   - 超时处理：ExpireOverdueApprovals 由外部定时调用, workflowctl sweep 提供了现成的循环
//
// 基础使用示例:
//
//	db, _ := gorm.Open(sqlite.Open("automation.db"), &gorm.Config{})
//	_ = workflow.AutoMigrate(db)
//	service, _ := workflow.NewGormWorkflowService(db,
//	    workflow.NewLocalWorkflowLock(),
//	    workflow.NewStoreNotifier(db),
//	    workflow.NewWebhookClient(nil),
//	    nil,
//	)
//	results, err := service.TriggerWorkflows(ctx, &workflow.TriggerReq{
//	    OrgID:        "org-demo",
//	    EntityType:   "job",
//	    EntityID:     "job-1",
//	    TriggerEvent: "create",
//	    TriggeredBy:  "u-owner",
//	})
//
// 审批：
//
//	pending, _ := service.GetPendingApprovals(ctx, &workflow.PendingApprovalsParams{OrgID: "org-demo", UserID: "u-manager"})
//	execution, err := service.ProcessApprovalResponse(ctx, &workflow.ApprovalResponseReq{
//	    ApprovalID:  pending[0].Approval.ID,
//	    Response:    workflow.ApprovalResponseApproved,
//	    ResponderID: "u-manager",
//	})
//
// 命令行：
//
//	workflowctl migrate
//	workflowctl seed
//	workflowctl trigger --entity-type job --entity-id job-1 --user u-owner
//	workflowctl pending --user u-manager
//	workflowctl respond --approval <id> --user u-manager
//	workflowctl sweep --interval 1m
//
// 配置读取 ./workflowctl.yaml, 环境变量以 WORKFLOW_ 为前缀, 例如 WORKFLOW_DB_PATH, WORKFLOW_LOCK_KIND。
package automation
