package workflow

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"mesflow/app/identity"
	"mesflow/app/objects"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"

	"gopkg.in/yaml.v2"
)

// DefinitionStore serves immutable workflow templates. Definitions become
// immutable once the first instance binds (Locked) and are cached from that
// point on; edits must go through NewVersion.
type DefinitionStore struct {
	identity identity.Provider

	cacheMu sync.RWMutex
	cache   map[string]*definitionBundle
}

type definitionBundle struct {
	def    *objects.WorkflowDefinition
	stages []*objects.Stage
	rules  []*objects.WorkflowRule
}

func NewDefinitionStore(provider identity.Provider) *DefinitionStore {
	return &DefinitionStore{
		identity: provider,
		cache:    map[string]*definitionBundle{},
	}
}

func (s *DefinitionStore) GetDefinition(ctx *contextx.Context, id string) (*objects.WorkflowDefinition, error) {
	if bundle := s.cached(id); bundle != nil {
		return bundle.def, nil
	}

	def, err := objects.QueryWorkflowDefinitionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, objects.ErrDefinitionNotFound
	}
	return def, nil
}

func (s *DefinitionStore) GetDefinitionByName(ctx *contextx.Context, name string, version int) (*objects.WorkflowDefinition, error) {
	def, err := objects.QueryWorkflowDefinitionByName(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, objects.ErrDefinitionNotFound
	}
	return def, nil
}

func (s *DefinitionStore) ListStages(ctx *contextx.Context, definitionID string) ([]*objects.Stage, error) {
	if bundle := s.cached(definitionID); bundle != nil {
		return bundle.stages, nil
	}
	return objects.QueryStages(ctx, definitionID)
}

func (s *DefinitionStore) ListRules(ctx *contextx.Context, definitionID string) ([]*objects.WorkflowRule, error) {
	if bundle := s.cached(definitionID); bundle != nil {
		return bundle.rules, nil
	}
	return objects.QueryRules(ctx, definitionID)
}

// PublishDefinition validates and persists a definition with its stages and
// rules in one transaction. Configuration errors never surface mid-execution;
// they are all rejected here.
func (s *DefinitionStore) PublishDefinition(ctx *contextx.Context, def *objects.WorkflowDefinition, stages []*objects.Stage, wfRules []*objects.WorkflowRule) error {
	if err := s.validate(stages, wfRules); err != nil {
		return err
	}

	def.ContentHash = contentHash(stages, wfRules)
	if def.ProjectID == "" {
		def.ProjectID = ctx.GetProjectID()
	}

	return objects.Transaction(ctx, func(subCtx *contextx.Context) error {
		if err := def.Save(subCtx); err != nil {
			return err
		}
		for _, stage := range stages {
			stage.DefinitionID = def.ID
			if err := stage.Save(subCtx); err != nil {
				return err
			}
		}
		for _, rule := range wfRules {
			rule.DefinitionID = def.ID
			if err := rule.Save(subCtx); err != nil {
				return err
			}
		}
		log.Infof(subCtx, "published definition '%s' v%d [id=%s, hash=%s]", def.Name, def.Version, def.ID, def.ContentHash[:12])
		return nil
	})
}

// NewVersion publishes an edit of an existing definition as a new version
// with a ParentVersionID back-reference. The parent stays untouched.
func (s *DefinitionStore) NewVersion(ctx *contextx.Context, parentID string, def *objects.WorkflowDefinition, stages []*objects.Stage, wfRules []*objects.WorkflowRule) error {
	parent, err := s.GetDefinition(ctx, parentID)
	if err != nil {
		return err
	}

	def.Name = parent.Name
	def.Version = parent.Version + 1
	def.ParentVersionID = parent.ID
	def.ProjectID = parent.ProjectID
	return s.PublishDefinition(ctx, def, stages, wfRules)
}

// UpdateDefinition mutates an unpublished definition in place. Once a live
// instance has bound the definition this fails; authors create a new version.
func (s *DefinitionStore) UpdateDefinition(ctx *contextx.Context, def *objects.WorkflowDefinition, stages []*objects.Stage, wfRules []*objects.WorkflowRule) error {
	current, err := s.GetDefinition(ctx, def.ID)
	if err != nil {
		return err
	}
	if current.Locked {
		return objects.ErrDefinitionLocked
	}
	return s.PublishDefinition(ctx, def, stages, wfRules)
}

// LockDefinition marks the definition bound by an instance and primes the
// read cache. Locking never blocks instance creation, only edits.
func (s *DefinitionStore) LockDefinition(ctx *contextx.Context, id string) error {
	def, err := s.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	if !def.Locked {
		def.Locked = true
		if err := def.Save(ctx); err != nil {
			return err
		}
	}

	stages, err := objects.QueryStages(ctx, id)
	if err != nil {
		return err
	}
	wfRules, err := objects.QueryRules(ctx, id)
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.cache[id] = &definitionBundle{def: def, stages: stages, rules: wfRules}
	s.cacheMu.Unlock()
	return nil
}

func (s *DefinitionStore) cached(id string) *definitionBundle {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache[id]
}

func (s *DefinitionStore) validate(stages []*objects.Stage, wfRules []*objects.WorkflowRule) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: definition has no stages", objects.ErrInvalidDefinition)
	}

	seen := map[int]bool{}
	maxSeq := 0
	for _, stage := range stages {
		if seen[stage.Sequence] {
			return fmt.Errorf("%w: duplicate stage sequence %d", objects.ErrInvalidDefinition, stage.Sequence)
		}
		seen[stage.Sequence] = true
		if stage.Sequence > maxSeq {
			maxSeq = stage.Sequence
		}

		if !objects.ApprovalTypes.Has(stage.ApprovalType) {
			return fmt.Errorf("%w: stage %d has unknown approval type '%s'", objects.ErrInvalidDefinition, stage.Sequence, stage.ApprovalType)
		}
		if !objects.Strategies.Has(stage.Strategy) {
			return fmt.Errorf("%w: stage %d has unknown strategy '%s'", objects.ErrInvalidDefinition, stage.Sequence, stage.Strategy)
		}
		if len(stage.Users) == 0 && len(stage.Roles) == 0 {
			return fmt.Errorf("%w: stage %d names no users and no roles", objects.ErrInvalidDefinition, stage.Sequence)
		}
		if stage.ApprovalType == objects.ApprovalTypeThreshold && stage.MinimumApprovals <= 0 && stage.ApprovalThreshold <= 0 {
			return fmt.Errorf("%w: threshold stage %d has no quorum", objects.ErrInvalidDefinition, stage.Sequence)
		}
		for _, role := range stage.Roles {
			if s.identity != nil && !s.identity.RoleExists(role) {
				return fmt.Errorf("%w: stage %d references unknown role '%s'", objects.ErrInvalidDefinition, stage.Sequence, role)
			}
		}
	}

	// Sequence numbers must be dense, starting at 1.
	for i := 1; i <= maxSeq; i++ {
		if !seen[i] {
			return fmt.Errorf("%w: stage sequence not contiguous, missing %d", objects.ErrInvalidDefinition, i)
		}
	}

	for _, rule := range wfRules {
		if !objects.TriggerPoints.Has(rule.TriggerPoint) {
			return fmt.Errorf("%w: rule '%s' has unknown trigger '%s'", objects.ErrInvalidDefinition, rule.Name, rule.TriggerPoint)
		}
		if !objects.RuleOperators.Has(rule.Operator) {
			return fmt.Errorf("%w: rule '%s' has unknown operator '%s'", objects.ErrInvalidDefinition, rule.Name, rule.Operator)
		}
		if !objects.RuleActions.Has(rule.Action) {
			return fmt.Errorf("%w: rule '%s' has unknown action '%s'", objects.ErrInvalidDefinition, rule.Name, rule.Action)
		}
		if rule.Action == objects.RuleActionRoute && !seen[rule.TargetStage] {
			return fmt.Errorf("%w: rule '%s' routes to missing stage %d", objects.ErrInvalidDefinition, rule.Name, rule.TargetStage)
		}
	}
	return nil
}

func contentHash(stages []*objects.Stage, wfRules []*objects.WorkflowRule) string {
	payload := map[string]interface{}{}
	for _, stage := range stages {
		payload[fmt.Sprintf("stage-%d", stage.Sequence)] = stage.Stage
	}
	for i, rule := range wfRules {
		payload[fmt.Sprintf("rule-%d", i)] = rule.WorkflowRule
	}
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// definitionDoc is the YAML authoring format.
type definitionDoc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Template    bool   `yaml:"template"`
	Stages      []struct {
		Sequence         int      `yaml:"sequence"`
		Name             string   `yaml:"name"`
		Approval         string   `yaml:"approval"`
		MinimumApprovals int      `yaml:"minimum_approvals"`
		Threshold        float64  `yaml:"threshold"`
		Users            []string `yaml:"users"`
		Roles            []string `yaml:"roles"`
		Strategy         string   `yaml:"strategy"`
		DeadlineHours    int      `yaml:"deadline_hours"`
		ResponseHours    int      `yaml:"response_hours"`
		EscalationTarget string   `yaml:"escalation_target"`
		AllowDelegation  *bool    `yaml:"allow_delegation"`
		AllowSkip        bool     `yaml:"allow_skip"`
		RequireSignature bool     `yaml:"require_signature"`
	} `yaml:"stages"`
	Rules []struct {
		Name        string      `yaml:"name"`
		Trigger     string      `yaml:"trigger"`
		Priority    int         `yaml:"priority"`
		Field       string      `yaml:"field"`
		Operator    string      `yaml:"operator"`
		Value       interface{} `yaml:"value"`
		Action      string      `yaml:"action"`
		TargetStage int         `yaml:"target_stage"`
	} `yaml:"rules"`
}

// LoadDefinitionYAML parses an authoring document into unsaved objects; the
// caller publishes them through PublishDefinition.
func LoadDefinitionYAML(data []byte) (*objects.WorkflowDefinition, []*objects.Stage, []*objects.WorkflowRule, error) {
	doc := &definitionDoc{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, nil, nil, err
	}
	if doc.Name == "" {
		return nil, nil, nil, fmt.Errorf("%w: definition document has no name", objects.ErrInvalidDefinition)
	}

	def := objects.NewWorkflowDefinition()
	def.Name = doc.Name
	def.Description = doc.Description
	def.IsTemplate = doc.Template

	var stages []*objects.Stage
	for _, s := range doc.Stages {
		stage := objects.NewStage()
		stage.Sequence = s.Sequence
		stage.Name = s.Name
		stage.ApprovalType = s.Approval
		stage.MinimumApprovals = s.MinimumApprovals
		stage.ApprovalThreshold = s.Threshold
		stage.Users = s.Users
		stage.Roles = s.Roles
		stage.Strategy = s.Strategy
		stage.DeadlineHours = s.DeadlineHours
		stage.ResponseHours = s.ResponseHours
		stage.EscalationTarget = s.EscalationTarget
		stage.AllowDelegation = s.AllowDelegation == nil || *s.AllowDelegation
		stage.AllowSkip = s.AllowSkip
		stage.RequireSignature = s.RequireSignature
		stages = append(stages, stage)
	}

	var wfRules []*objects.WorkflowRule
	for _, r := range doc.Rules {
		rule := objects.NewWorkflowRule()
		rule.Name = r.Name
		rule.TriggerPoint = r.Trigger
		rule.Priority = r.Priority
		rule.Field = r.Field
		rule.Operator = r.Operator
		rule.SetConditionValue(normalizeYAML(r.Value))
		rule.Action = r.Action
		rule.TargetStage = r.TargetStage
		wfRules = append(wfRules, rule)
	}
	return def, stages, wfRules, nil
}

// normalizeYAML rewrites yaml.v2 map/slice shapes into the json-compatible
// forms the rule evaluator and gormx serializers expect.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := map[string]interface{}{}
		for k, val := range t {
			m[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	}
	return v
}
