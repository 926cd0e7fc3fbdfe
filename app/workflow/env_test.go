package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"mesflow/app/db"
	"mesflow/app/identity"
	"mesflow/app/notify"
	"mesflow/app/objects"
	"mesflow/pkg/contextx"

	"github.com/google/uuid"
)

var envOnce sync.Once

func testContext(t *testing.T) *contextx.Context {
	t.Helper()

	envOnce.Do(func() {
		path := filepath.Join(os.TempDir(), fmt.Sprintf("mesflow-workflow-%s.db", uuid.NewString()[:8]))
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

func testProvider() *identity.StaticProvider {
	provider := identity.NewStaticProvider()
	provider.AddRole("quality-engineer",
		identity.Member{UserID: "qe1", Site: "plant-a"},
		identity.Member{UserID: "qe2", Site: "plant-a"},
		identity.Member{UserID: "qe3", Site: "plant-b"},
	)
	provider.AddRole("production-manager",
		identity.Member{UserID: "pm1"},
	)
	provider.SetManager("alice", "mgr1")
	return provider
}

func testEngine(provider identity.Provider) (*DefinitionStore, *Engine) {
	store := NewDefinitionStore(provider)
	resolver := NewAssignmentResolver(provider)
	coordinator := NewStageCoordinator(resolver, notify.NewLogNotifier())
	return store, NewEngine(store, coordinator, notify.NewLogNotifier())
}

func fixedStage(seq int, approval string, users ...string) *objects.Stage {
	stage := objects.NewStage()
	stage.Sequence = seq
	stage.Name = fmt.Sprintf("stage-%d", seq)
	stage.ApprovalType = approval
	stage.Users = users
	stage.Strategy = objects.StrategyFixed
	stage.AllowDelegation = true
	return stage
}

func publish(t *testing.T, ctx *contextx.Context, store *DefinitionStore, stages []*objects.Stage, wfRules []*objects.WorkflowRule) *objects.WorkflowDefinition {
	t.Helper()

	def := objects.NewWorkflowDefinition()
	def.Name = fmt.Sprintf("wf-%s", uuid.NewString()[:8])
	def.Version = 1
	if err := store.PublishDefinition(ctx, def, stages, wfRules); err != nil {
		t.Fatalf("publish definition failed: %s", err.Error())
	}
	return def
}

func startInstance(t *testing.T, ctx *contextx.Context, engine *Engine, def *objects.WorkflowDefinition, context objects.Table) *objects.WorkflowInstance {
	t.Helper()

	instance, err := engine.CreateInstance(ctx, CreateRequest{
		DefinitionID: def.ID,
		EntityType:   "batch-record",
		EntityID:     uuid.NewString(),
		Context:      context,
	})
	if err != nil {
		t.Fatalf("create instance failed: %s", err.Error())
	}
	return instance
}

func pendingFor(t *testing.T, ctx *contextx.Context, instanceID, userID string) *objects.WorkflowAssignment {
	t.Helper()

	assignments, err := objects.QueryPendingAssignmentsByInstance(ctx, instanceID)
	if err != nil {
		t.Fatalf("query pending assignments failed: %s", err.Error())
	}
	for _, assignment := range assignments {
		if assignment.AssigneeID == userID {
			return assignment
		}
	}
	t.Fatalf("no pending assignment for user %s on instance %s", userID, instanceID)
	return nil
}

func decide(t *testing.T, ctx *contextx.Context, engine *Engine, instanceID, userID, action string) *StageOutcome {
	t.Helper()

	assignment := pendingFor(t, ctx, instanceID, userID)
	outcome, err := engine.SubmitDecision(ctx, DecisionRequest{
		InstanceID:   instanceID,
		AssignmentID: assignment.ID,
		ActorID:      userID,
		Action:       action,
	})
	if err != nil {
		t.Fatalf("decision %s by %s failed: %s", action, userID, err.Error())
	}
	return outcome
}

func reload(t *testing.T, ctx *contextx.Context, instanceID string) *objects.WorkflowInstance {
	t.Helper()

	instance, err := objects.QueryWorkflowInstanceByID(ctx, instanceID)
	if err != nil {
		t.Fatalf("reload instance failed: %s", err.Error())
	}
	if instance == nil {
		t.Fatalf("instance %s vanished", instanceID)
	}
	return instance
}
