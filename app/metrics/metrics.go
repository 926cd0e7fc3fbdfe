package metrics

import (
	"time"

	"mesflow/app/config"
	"mesflow/app/objects"
	"mesflow/app/workflow/states"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"
)

// Throughput counts instances by terminal outcome inside the window.
type Throughput struct {
	Created   int `json:"created"`
	Completed int `json:"completed"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
}

// StageLatency summarizes how long a stage position takes to settle.
type StageLatency struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	Max   time.Duration `json:"max"`

	total time.Duration
}

// ApproverStats counts one user's recorded decisions.
type ApproverStats struct {
	Decisions     int     `json:"decisions"`
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	RejectionRate float64 `json:"rejection_rate"`
}

type Report struct {
	DefinitionID string                   `json:"definition_id,omitempty"`
	Since        time.Time                `json:"since"`
	GeneratedAt  time.Time                `json:"generated_at"`
	Throughput   Throughput               `json:"throughput"`
	StageLatency map[int]*StageLatency    `json:"stage_latency"`
	Approvers    map[string]ApproverStats `json:"approvers"`
}

// Aggregator derives operational metrics from instances and the history
// trail. Everything is recomputed per run; nothing is stored back.
type Aggregator struct{}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Aggregate builds a report for one definition (or all, with an empty id)
// over instances created since the given time.
func (a *Aggregator) Aggregate(ctx *contextx.Context, definitionID string, since time.Time) (*Report, error) {
	var defFilter interface{}
	if definitionID != "" {
		defFilter = definitionID
	}
	instances, err := objects.QueryWorkflowInstances(ctx, defFilter, nil)
	if err != nil {
		return nil, err
	}

	report := &Report{
		DefinitionID: definitionID,
		Since:        since,
		GeneratedAt:  time.Now().UTC(),
		StageLatency: map[int]*StageLatency{},
		Approvers:    map[string]ApproverStats{},
	}

	inWindow := map[string]bool{}
	for _, instance := range instances {
		if instance.CreatedAt.Before(since) {
			continue
		}
		inWindow[instance.ID] = true

		report.Throughput.Created++
		switch instance.Status {
		case states.COMPLETED:
			report.Throughput.Completed++
		case states.REJECTED:
			report.Throughput.Rejected++
		case states.CANCELLED:
			report.Throughput.Cancelled++
		case states.EXPIRED:
			report.Throughput.Expired++
		}

		stageInstances, err := instance.GetStageInstances(ctx)
		if err != nil {
			return nil, err
		}
		for _, si := range stageInstances {
			if !states.IsStageTerminal(si.Status) || si.StartedAt.IsZero() || si.CompletedAt.IsZero() {
				continue
			}
			latency := report.StageLatency[si.Sequence]
			if latency == nil {
				latency = &StageLatency{}
				report.StageLatency[si.Sequence] = latency
			}
			elapsed := si.CompletedAt.Sub(si.StartedAt)
			latency.Count++
			latency.total += elapsed
			if elapsed > latency.Max {
				latency.Max = elapsed
			}
		}
	}
	for _, latency := range report.StageLatency {
		latency.Mean = latency.total / time.Duration(latency.Count)
	}

	// Per-approver stats come from the decision trail, so delegated and
	// escalated assignments attribute to whoever actually decided.
	events, err := objects.QueryHistorySince(ctx, since, []string{objects.EventDecisionRecorded})
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if !inWindow[event.InstanceID] || event.Actor == "" {
			continue
		}
		stats := report.Approvers[event.Actor]
		stats.Decisions++
		switch event.ToStatus {
		case states.DecisionApprove:
			stats.Approvals++
		case states.DecisionReject:
			stats.Rejections++
		}
		if stats.Decisions > 0 {
			stats.RejectionRate = float64(stats.Rejections) / float64(stats.Decisions)
		}
		report.Approvers[event.Actor] = stats
	}
	return report, nil
}

// Runner recomputes the global report on a fixed cadence and logs a
// one-line summary. Reports on demand go through Aggregate directly.
type Runner struct {
	cfg        config.MetricsConfig
	aggregator *Aggregator

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewRunner(cfg config.MetricsConfig, aggregator *Aggregator) *Runner {
	return &Runner{
		cfg:        cfg,
		aggregator: aggregator,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (r *Runner) Start() {
	go r.loop()
}

func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Runner) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(time.Duration(r.cfg.Delay) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx := contextx.NewContext()
			since := time.Now().UTC().Add(-time.Duration(r.cfg.Window) * time.Hour)
			report, err := r.aggregator.Aggregate(ctx, "", since)
			if err != nil {
				log.Errorf(ctx, "metrics aggregation failed, error: %s", err.Error())
				continue
			}
			log.Infof(ctx, "metrics window %dh: created=%d completed=%d rejected=%d cancelled=%d expired=%d",
				r.cfg.Window, report.Throughput.Created, report.Throughput.Completed,
				report.Throughput.Rejected, report.Throughput.Cancelled, report.Throughput.Expired)
		}
	}
}
