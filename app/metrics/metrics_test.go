package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mesflow/app/db"
	"mesflow/app/identity"
	"mesflow/app/notify"
	"mesflow/app/objects"
	"mesflow/app/workflow"
	"mesflow/app/workflow/states"
	"mesflow/pkg/contextx"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var envOnce sync.Once

func testContext(t *testing.T) *contextx.Context {
	t.Helper()

	envOnce.Do(func() {
		path := filepath.Join(os.TempDir(), fmt.Sprintf("mesflow-metrics-%s.db", uuid.NewString()[:8]))
		cfg := &db.Config{
			Connection:  fmt.Sprintf("sqlite://%s", path),
			PoolSize:    5,
			IdleTimeout: 3600,
		}
		if err := db.Init(cfg); err != nil {
			panic(err)
		}
		if err := db.Migrate(); err != nil {
			panic(err)
		}
	})

	ctx := contextx.NewContext()
	ctx.Set("project_id", "project-1")
	return ctx
}

func testEngine() (*workflow.DefinitionStore, *workflow.Engine) {
	provider := identity.NewStaticProvider()
	notifier := notify.NewLogNotifier()
	store := workflow.NewDefinitionStore(provider)
	coordinator := workflow.NewStageCoordinator(workflow.NewAssignmentResolver(provider), notifier)
	return store, workflow.NewEngine(store, coordinator, notifier)
}

func publishTwoStage(t *testing.T, ctx *contextx.Context, store *workflow.DefinitionStore) *objects.WorkflowDefinition {
	t.Helper()

	var stages []*objects.Stage
	for seq, user := range []string{"alice", "bob"} {
		stage := objects.NewStage()
		stage.Sequence = seq + 1
		stage.Name = fmt.Sprintf("stage-%d", seq+1)
		stage.ApprovalType = objects.ApprovalTypeSingle
		stage.Users = []string{user}
		stage.Strategy = objects.StrategyFixed
		stages = append(stages, stage)
	}

	def := objects.NewWorkflowDefinition()
	def.Name = fmt.Sprintf("wf-%s", uuid.NewString()[:8])
	if err := store.PublishDefinition(ctx, def, stages, nil); err != nil {
		t.Fatalf("publish failed: %s", err.Error())
	}
	return def
}

func runInstance(t *testing.T, ctx *contextx.Context, engine *workflow.Engine, def *objects.WorkflowDefinition, decisions map[string]string) *objects.WorkflowInstance {
	t.Helper()

	instance, err := engine.CreateInstance(ctx, workflow.CreateRequest{
		DefinitionID: def.ID,
		EntityType:   "batch-record",
		EntityID:     uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("create instance failed: %s", err.Error())
	}

	for {
		instance, err = objects.QueryWorkflowInstanceByID(ctx, instance.ID)
		if err != nil {
			t.Fatalf("reload instance failed: %s", err.Error())
		}
		if states.IsInstanceTerminal(instance.Status) {
			return instance
		}

		assignments, err := objects.QueryPendingAssignmentsByInstance(ctx, instance.ID)
		if err != nil || len(assignments) == 0 {
			t.Fatalf("no pending assignment on active instance %s", instance.ID)
		}
		assignment := assignments[0]
		action, ok := decisions[assignment.AssigneeID]
		if !ok {
			t.Fatalf("no scripted decision for %s", assignment.AssigneeID)
		}
		_, err = engine.SubmitDecision(ctx, workflow.DecisionRequest{
			InstanceID:   instance.ID,
			AssignmentID: assignment.ID,
			ActorID:      assignment.AssigneeID,
			Action:       action,
		})
		if err != nil {
			t.Fatalf("decision failed: %s", err.Error())
		}
	}
}

func TestAggregator_Report(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine()
	since := time.Now().UTC().Add(-time.Minute)

	def := publishTwoStage(t, ctx, store)

	completed := runInstance(t, ctx, engine, def, map[string]string{
		"alice": states.DecisionApprove,
		"bob":   states.DecisionApprove,
	})
	rejected := runInstance(t, ctx, engine, def, map[string]string{
		"alice": states.DecisionApprove,
		"bob":   states.DecisionReject,
	})
	asserter.Equal(states.COMPLETED, completed.Status)
	asserter.Equal(states.REJECTED, rejected.Status)

	report, err := NewAggregator().Aggregate(ctx, def.ID, since)
	asserter.NoError(err)

	asserter.Equal(2, report.Throughput.Created)
	asserter.Equal(1, report.Throughput.Completed)
	asserter.Equal(1, report.Throughput.Rejected)
	asserter.Equal(0, report.Throughput.Cancelled)

	// Both instances settled stage 1; only the first reached stage 2's end.
	if asserter.NotNil(report.StageLatency[1]) {
		asserter.Equal(2, report.StageLatency[1].Count)
		asserter.True(report.StageLatency[1].Mean <= report.StageLatency[1].Max)
	}
	if asserter.NotNil(report.StageLatency[2]) {
		asserter.Equal(2, report.StageLatency[2].Count)
	}

	alice := report.Approvers["alice"]
	asserter.Equal(2, alice.Decisions)
	asserter.Equal(2, alice.Approvals)
	asserter.Equal(float64(0), alice.RejectionRate)

	bob := report.Approvers["bob"]
	asserter.Equal(2, bob.Decisions)
	asserter.Equal(1, bob.Rejections)
	asserter.Equal(0.5, bob.RejectionRate)
}

func TestAggregator_DefinitionFilter(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine()
	since := time.Now().UTC().Add(-time.Minute)

	defA := publishTwoStage(t, ctx, store)
	defB := publishTwoStage(t, ctx, store)
	runInstance(t, ctx, engine, defA, map[string]string{
		"alice": states.DecisionApprove,
		"bob":   states.DecisionApprove,
	})

	report, err := NewAggregator().Aggregate(ctx, defB.ID, since)
	asserter.NoError(err)
	asserter.Equal(0, report.Throughput.Created)
	asserter.Empty(report.Approvers)
}

func TestAggregator_SinceCutsOldInstances(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)
	store, engine := testEngine()

	def := publishTwoStage(t, ctx, store)
	runInstance(t, ctx, engine, def, map[string]string{
		"alice": states.DecisionApprove,
		"bob":   states.DecisionApprove,
	})

	report, err := NewAggregator().Aggregate(ctx, def.ID, time.Now().UTC().Add(time.Hour))
	asserter.NoError(err)
	asserter.Equal(0, report.Throughput.Created)
	asserter.Empty(report.StageLatency)
}
