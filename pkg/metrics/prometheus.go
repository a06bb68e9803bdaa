// Package metrics exports sagaflow runtime events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/sagaflow/pkg/api"
)

const namespace = "sagaflow"

// PrometheusObserver implements api.Observer with Prometheus collectors.
type PrometheusObserver struct {
	api.NoopObserver

	workflows      *prometheus.CounterVec
	actions        *prometheus.CounterVec
	dispatched     *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
}

// NewPrometheusObserver creates the collectors and registers them with reg.
// A collector that is already registered is reused.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflow state transitions by workflow name and state.",
		}, []string{"workflow", "state"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Finished action attempts by action name and state.",
		}, []string{"action", "state"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dispatched_total",
			Help:      "Action instances handed to the queue by the scheduler.",
		}, []string{"action", "queue"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of action attempts, including rollback.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}

	var err error
	if o.workflows, err = register(reg, o.workflows); err != nil {
		return nil, err
	}
	if o.actions, err = register(reg, o.actions); err != nil {
		return nil, err
	}
	if o.dispatched, err = register(reg, o.dispatched); err != nil {
		return nil, err
	}
	if o.actionDuration, err = register(reg, o.actionDuration); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("registering collector: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) OnWorkflowStart(_ context.Context, wf *api.WorkflowInstance) {
	o.workflows.WithLabelValues(wf.Name, string(api.WorkflowRunning)).Inc()
}

func (o *PrometheusObserver) OnWorkflowCompleted(_ context.Context, wf *api.WorkflowInstance) {
	o.workflows.WithLabelValues(wf.Name, string(api.WorkflowCompleted)).Inc()
}

func (o *PrometheusObserver) OnWorkflowFailed(_ context.Context, wf *api.WorkflowInstance, _ error) {
	o.workflows.WithLabelValues(wf.Name, string(api.WorkflowFailed)).Inc()
}

func (o *PrometheusObserver) OnActionCompleted(_ context.Context, _ *api.WorkflowInstance, act *api.ActionInstance, err error, d time.Duration) {
	state := api.ActionCompleted
	if err != nil {
		state = api.ActionFailed
	}
	o.actions.WithLabelValues(act.Name, string(state)).Inc()
	o.actionDuration.WithLabelValues(act.Name).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnActionDispatched(_ context.Context, act *api.ActionInstance, queue string) {
	o.dispatched.WithLabelValues(act.Name, queue).Inc()
}
