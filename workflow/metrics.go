package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标注册在默认 registry 上, 由宿主进程决定是否暴露 /metrics
var (
	executionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_started_total",
			Help: "Total number of workflow executions created",
		},
		[]string{"entity_type", "workflow_type"},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_finished_total",
			Help: "Total number of workflow executions reaching a terminal status",
		},
		[]string{"status"},
	)

	conditionEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_condition_evaluations_total",
			Help: "Total number of trigger condition evaluations",
		},
		[]string{"result"},
	)

	approvalResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_approval_responses_total",
			Help: "Total number of approval responses processed",
		},
		[]string{"response"},
	)

	actionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_action_duration_seconds",
			Help:    "Workflow action execution duration distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type", "result"},
	)
)

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
