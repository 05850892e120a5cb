/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package metrics exposes the Prometheus series for the task lifecycle
// (spec §4.7, §7). The Scheduler updates the task counters, gauge and
// histograms; the budget-exceeded, stuck-detected and retries counters are
// registered but nothing increments them.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeman-ai/forgeman/internal/core"
)

var (
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeman_tasks_total",
			Help: "Total number of tasks submitted, by mode and terminal status",
		},
		[]string{"mode", "status"},
	)
	TasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forgeman_tasks_active",
			Help: "Number of tasks currently being driven (phase label is always PLANNING)",
		},
		[]string{"phase"},
	)
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forgeman_task_duration_seconds",
			Help:    "Wall-clock duration of completed tasks in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~16384s
		},
	)
	TaskCostUSD = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forgeman_task_cost_usd",
			Help:    "Spent cost in USD per completed task",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0},
		},
	)
	BudgetExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeman_budget_exceeded_total",
			Help: "Total number of tasks that failed on budget exhaustion, by budget dimension",
		},
		[]string{"dimension"},
	)
	StuckDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeman_stuck_detected_total",
			Help: "Total number of adapter-stuck detections, by action taken",
		},
		[]string{"action"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeman_retries_total",
			Help: "Total number of transient-failure retries, by phase",
		},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal, TasksActive, TaskDuration,
		TaskCostUSD, BudgetExceededTotal,
		StuckDetectedTotal, RetriesTotal,
	)
}

var tracer = otel.Tracer("forgeman/scheduler")

func taskEventAttrs(task *core.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("forgeman.task.id", task.ID),
		attribute.String("forgeman.task.mode", string(task.Mode)),
		attribute.String("forgeman.task.status", string(task.Status)),
		attribute.Int("forgeman.task.priority", task.Priority),
	}
}

// EmitTaskEvent starts a span and records a named event carrying the task's
// identifying attributes, plus any caller-supplied extras (used for terminal
// events that also carry cost/duration data).
func EmitTaskEvent(ctx context.Context, eventName string, task *core.Task, extra ...attribute.KeyValue) {
	attrs := append(taskEventAttrs(task), extra...)
	_, span := tracer.Start(ctx, eventName)
	defer span.End()
	span.AddEvent(eventName, trace.WithAttributes(attrs...))
}

// TerminalEventAttrs returns extra OTel attributes recorded for a task's
// terminal transition: spend and iteration count.
func TerminalEventAttrs(task *core.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("forgeman.task.spent.iterations", task.Spent.Iterations),
		attribute.Float64("forgeman.task.spent.cost_usd", task.Spent.CostUSD),
		attribute.Float64("forgeman.task.spent.wall_time_seconds", task.Spent.WallTime.Seconds()),
	}
}
