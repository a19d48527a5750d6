// Package merge implements the 3-way semantic merge engine: diff,
// typed conflict classification, pluggable semantic validators, and
// LCS-based ordered-list merging, grounded in list_merge_algorithm.py
// and merge_validators.py.
package merge

import (
	"reflect"
	"sort"
)

// Severity ranks a MergeConflict's blocking weight.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
	SeverityBlock   Severity = "BLOCK"
)

var severityRank = map[Severity]int{SeverityInfo: 0, SeverityWarning: 1, SeverityError: 2, SeverityBlock: 3}

// ConflictType is the per-field conflict taxonomy from spec.md §4.6.
type ConflictType string

const (
	ConflictPropertyTypeChanged ConflictType = "PROPERTY_TYPE_CHANGED"
	ConflictRequirednessChanged ConflictType = "REQUIREDNESS_CHANGED"
	ConflictAddRemove           ConflictType = "ADD_REMOVE"
	ConflictReorder             ConflictType = "REORDER"
	ConflictSemantic            ConflictType = "SEMANTIC"
	ConflictPropertyConflict    ConflictType = "PROPERTY_CONFLICT"
	ConflictDeletionConflict    ConflictType = "DELETION_CONFLICT"
)

// Conflict is a MergeConflict row.
type Conflict struct {
	Type           ConflictType
	Severity       Severity
	EntityID       string
	Property       string
	BaseValue      any
	SourceValue    any
	TargetValue    any
	AutoResolvable bool
	Description    string
}

// Property is a schema property definition as carried in an ObjectTypeDoc.
type Property struct {
	Name       string
	Type       string
	Required   bool
	Unique     bool
	Extra      map[string]any
}

// Entity is an object/link/action type document participating in a merge.
type Entity struct {
	ID         string
	Type       string
	Properties []Property
	Fields     map[string]any // domain fields the semantic validators read (isTaxable, status, ...)
}

// Snapshot is a branch snapshot as merged: {branch_id, commit_id, parent?, objects}.
type Snapshot struct {
	BranchID string
	CommitID string
	Parent   string
	Objects  []Entity
}

// Status is the merge outcome classification.
type Status string

const (
	StatusClean        Status = "clean"
	StatusAutoResolved Status = "auto_resolved"
	StatusConflicts    Status = "conflicts"
)

// Result is returned by Merge.
type Result struct {
	Status      Status
	MergedDocs  []Entity
	Conflicts   []Conflict
	MaxSeverity Severity
}

// Engine is the C6 Merge Engine.
type Engine struct {
	validators *ValidatorRegistry
}

// NewEngine constructs an Engine with the three required semantic
// validators pre-registered, plus any additional ones supplied.
func NewEngine(extra ...SemanticValidator) *Engine {
	reg := NewValidatorRegistry()
	for _, v := range extra {
		reg.Register(v.Name(), v)
	}
	return &Engine{validators: reg}
}

// RegisterValidator adds a validator at construction time (or before
// first use); hot registration outside this is intentionally
// unsupported per the statically-registered-list convention.
func (e *Engine) RegisterValidator(name string, v SemanticValidator) {
	e.validators.Register(name, v)
}

// Merge computes the 3-way (or 2-way, if base is nil) merge of source
// against target.
func (e *Engine) Merge(source, target Snapshot, base *Snapshot, autoResolve, dryRun bool) Result {
	byID := indexByID(source.Objects)
	targetByID := indexByID(target.Objects)
	var baseByID map[string]Entity
	if base != nil {
		baseByID = indexByID(base.Objects)
	}

	allIDs := unionKeys(byID, targetByID, baseByID)

	var conflicts []Conflict
	merged := make([]Entity, 0, len(allIDs))

	for _, id := range allIDs {
		s, sOK := byID[id]
		t, tOK := targetByID[id]
		b, bOK := baseByID[id]

		switch {
		case sOK && tOK:
			entity, entityConflicts := mergeEntity(id, b, bOK, s, t)
			conflicts = append(conflicts, entityConflicts...)
			merged = append(merged, entity)
		case sOK && !tOK && bOK && !reflect.DeepEqual(s, b):
			// target deleted an entity source still modifies.
			conflicts = append(conflicts, Conflict{
				Type: ConflictDeletionConflict, Severity: SeverityBlock, EntityID: id,
				AutoResolvable: false, Description: "target deleted an entity source still modifies",
			})
		case sOK && !tOK && !bOK:
			merged = append(merged, s)
		case !sOK && tOK:
			merged = append(merged, t)
		}
	}

	maxSeverity := worstSeverity(conflicts)

	semanticErrors := 0
	for i := range merged {
		var b, s, t Entity
		if v, ok := baseByID[merged[i].ID]; ok {
			b = v
		}
		if v, ok := byID[merged[i].ID]; ok {
			s = v
		}
		if v, ok := targetByID[merged[i].ID]; ok {
			t = v
		}
		errs := e.validators.ValidateAll(merged[i], b, s, t)
		for _, verr := range errs {
			sev := SeverityWarning
			if verr.Severity == "error" {
				sev = SeverityError
				semanticErrors++
			}
			conflicts = append(conflicts, Conflict{
				Type: ConflictSemantic, Severity: sev, EntityID: merged[i].ID, Property: verr.Field,
				AutoResolvable: sev != SeverityError, Description: verr.Message,
			})
		}
	}
	maxSeverity = worstOf(maxSeverity, worstSeverity(conflicts))

	if len(conflicts) == 0 {
		return Result{Status: StatusClean, MergedDocs: merged, MaxSeverity: SeverityInfo}
	}

	unresolved := unresolvedConflicts(conflicts)
	if len(unresolved) == 0 && autoResolve {
		if dryRun {
			return Result{Status: StatusAutoResolved, Conflicts: conflicts, MaxSeverity: maxSeverity}
		}
		return Result{Status: StatusAutoResolved, MergedDocs: merged, Conflicts: conflicts, MaxSeverity: maxSeverity}
	}

	return Result{Status: StatusConflicts, Conflicts: conflicts, MaxSeverity: maxSeverity}
}

func unresolvedConflicts(conflicts []Conflict) []Conflict {
	var out []Conflict
	for _, c := range conflicts {
		if severityRank[c.Severity] >= severityRank[SeverityError] && !c.AutoResolvable {
			out = append(out, c)
		}
	}
	return out
}

func mergeEntity(id string, base Entity, hasBase bool, source, target Entity) (Entity, []Conflict) {
	var conflicts []Conflict
	merged := Entity{ID: id, Type: source.Type, Fields: mergeFields(base, source, target, hasBase)}

	props, propConflicts := mergeProperties(id, base, source, target, hasBase)
	merged.Properties = props
	conflicts = append(conflicts, propConflicts...)

	return merged, conflicts
}

func mergeFields(base, source, target Entity, hasBase bool) map[string]any {
	out := map[string]any{}
	for k, v := range target.Fields {
		out[k] = v
	}
	for k, v := range source.Fields {
		if !hasBase {
			out[k] = v
			continue
		}
		bv, inBase := base.Fields[k]
		tv, inTarget := target.Fields[k]
		sourceChanged := !inBase || !reflect.DeepEqual(bv, v)
		targetChanged := inTarget && (!inBase || !reflect.DeepEqual(bv, tv))
		if sourceChanged && !targetChanged {
			out[k] = v
		}
	}
	return out
}

func mergeProperties(entityID string, base, source, target Entity, hasBase bool) ([]Property, []Conflict) {
	baseProps := indexProps(base.Properties)
	sourceProps := indexProps(source.Properties)
	targetProps := indexProps(target.Properties)

	names := unionPropNames(sourceProps, targetProps, baseProps)
	var merged []Property
	var conflicts []Conflict

	for _, name := range names {
		sp, sOK := sourceProps[name]
		tp, tOK := targetProps[name]
		bp, bOK := baseProps[name]

		switch {
		case sOK && tOK:
			prop, c := mergeProperty(entityID, bp, bOK, sp, tp)
			merged = append(merged, prop)
			conflicts = append(conflicts, c...)
		case sOK && !tOK && !bOK:
			merged = append(merged, sp)
		case sOK && !tOK && bOK:
			// target deleted a property source kept/modified: ADD_REMOVE.
			conflicts = append(conflicts, Conflict{
				Type: ConflictAddRemove, Severity: SeverityWarning, EntityID: entityID, Property: name,
				SourceValue: sp, AutoResolvable: true, Description: "target removed property source still has",
			})
			merged = append(merged, sp)
		case !sOK && tOK:
			merged = append(merged, tp)
		}
	}

	_ = hasBase
	return merged, conflicts
}

func mergeProperty(entityID string, base Property, hasBase bool, source, target Property) (Property, []Conflict) {
	var conflicts []Conflict
	merged := source

	if source.Type != target.Type {
		conflicts = append(conflicts, Conflict{
			Type: ConflictPropertyTypeChanged, Severity: SeverityError, EntityID: entityID, Property: source.Name,
			SourceValue: source.Type, TargetValue: target.Type, AutoResolvable: false,
			Description: "property type changed on both sides",
		})
	}

	if source.Required != target.Required {
		conflicts = append(conflicts, Conflict{
			Type: ConflictRequirednessChanged, Severity: SeverityWarning, EntityID: entityID, Property: source.Name,
			SourceValue: source.Required, TargetValue: target.Required, AutoResolvable: true,
			Description: "requiredness changed on one side",
		})
		merged.Required = source.Required || target.Required
	}

	if !hasBase && source.Type == target.Type && !reflect.DeepEqual(source, target) {
		conflicts = append(conflicts, Conflict{
			Type: ConflictPropertyConflict, Severity: SeverityError, EntityID: entityID, Property: source.Name,
			SourceValue: source, TargetValue: target, AutoResolvable: false,
			Description: "both sides added the same property with different definitions",
		})
	}

	return merged, conflicts
}

func indexByID(entities []Entity) map[string]Entity {
	out := make(map[string]Entity, len(entities))
	for _, e := range entities {
		out[e.ID] = e
	}
	return out
}

func indexProps(props []Property) map[string]Property {
	out := make(map[string]Property, len(props))
	for _, p := range props {
		out[p.Name] = p
	}
	return out
}

func unionKeys(maps ...map[string]Entity) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func unionPropNames(maps ...map[string]Property) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func worstSeverity(conflicts []Conflict) Severity {
	worst := SeverityInfo
	for _, c := range conflicts {
		worst = worstOf(worst, c.Severity)
	}
	return worst
}

func worstOf(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}
