package objects

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mesflow/app/db"
	"mesflow/pkg/contextx"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var envOnce sync.Once

func testContext(t *testing.T) *contextx.Context {
	t.Helper()

	envOnce.Do(func() {
		path := filepath.Join(os.TempDir(), fmt.Sprintf("mesflow-objects-%s.db", uuid.NewString()[:8]))
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

func saveAssignment(t *testing.T, ctx *contextx.Context, mutate func(*WorkflowAssignment)) *WorkflowAssignment {
	t.Helper()

	assignment := NewWorkflowAssignment()
	assignment.InstanceID = uuid.NewString()
	assignment.StageInstanceID = uuid.NewString()
	assignment.AssigneeID = "u-" + uuid.NewString()[:8]
	assignment.Type = "direct"
	if mutate != nil {
		mutate(assignment)
	}
	if err := assignment.Save(ctx); err != nil {
		t.Fatalf("save assignment failed: %s", err.Error())
	}
	return assignment
}

func TestAssignment_RecordDecisionExactlyOnce(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)

	assignment := saveAssignment(t, ctx, nil)
	asserter.True(assignment.IsPending())

	asserter.NoError(assignment.RecordDecision(ctx, "approve", "looks good", "sig-1"))
	asserter.False(assignment.IsPending())
	asserter.False(assignment.DecidedAt.IsZero())

	err := assignment.RecordDecision(ctx, "reject", "", "")
	asserter.ErrorIs(err, ErrAlreadyDecided)

	// The first write survives the losing attempt.
	reloaded, err := QueryAssignmentByID(ctx, assignment.ID)
	asserter.NoError(err)
	asserter.Equal("approve", reloaded.Decision)
	asserter.Equal("sig-1", reloaded.SignatureRef)
}

func TestAssignment_OverdueQuery(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)

	overdue := saveAssignment(t, ctx, func(a *WorkflowAssignment) {
		a.DueAt = time.Now().UTC().Add(-time.Hour)
	})
	// No due date means no escalation, ever.
	saveAssignment(t, ctx, nil)
	// Already escalated ones stay out of the scan.
	saveAssignment(t, ctx, func(a *WorkflowAssignment) {
		a.DueAt = time.Now().UTC().Add(-time.Hour)
		a.Escalated = true
	})
	// Not due yet.
	saveAssignment(t, ctx, func(a *WorkflowAssignment) {
		a.DueAt = time.Now().UTC().Add(time.Hour)
	})

	found, err := QueryOverdueAssignments(ctx, time.Now().UTC(), 10)
	asserter.NoError(err)

	var ids []string
	for _, a := range found {
		ids = append(ids, a.ID)
	}
	asserter.Contains(ids, overdue.ID)
	asserter.Len(ids, 1)
}

func TestAssignment_CountOpenAssignments(t *testing.T) {
	asserter := assert.New(t)
	ctx := testContext(t)

	user := "load-" + uuid.NewString()[:8]
	saveAssignment(t, ctx, func(a *WorkflowAssignment) { a.AssigneeID = user })
	decided := saveAssignment(t, ctx, func(a *WorkflowAssignment) { a.AssigneeID = user })
	asserter.NoError(decided.RecordDecision(ctx, "approve", "", ""))

	count, err := CountOpenAssignments(ctx, user)
	asserter.NoError(err)
	asserter.Equal(int64(1), count)
}
