package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_S3TypedConflicts(t *testing.T) {
	base := Snapshot{Objects: []Entity{{
		ID: "Customer", Type: "object_type",
		Properties: []Property{
			{Name: "email", Type: "string", Required: true},
			{Name: "name", Type: "string", Required: true},
		},
	}}}
	source := Snapshot{Objects: []Entity{{
		ID: "Customer", Type: "object_type",
		Properties: []Property{
			{Name: "email", Type: "string", Required: true, Unique: true},
			{Name: "name", Type: "string", Required: true},
			{Name: "phone", Type: "string", Required: false},
		},
	}}}
	target := Snapshot{Objects: []Entity{{
		ID: "Customer", Type: "object_type",
		Properties: []Property{
			{Name: "email", Type: "string", Required: false},
			{Name: "name", Type: "text", Required: true},
		},
	}}}

	e := NewEngine()
	result := e.Merge(source, target, &base, true, true)

	assert.Equal(t, StatusConflicts, result.Status)
	assert.Equal(t, SeverityError, result.MaxSeverity)
	assert.Nil(t, result.MergedDocs)

	var sawRequiredness, sawTypeChange bool
	for _, c := range result.Conflicts {
		if c.Type == ConflictRequirednessChanged {
			sawRequiredness = true
		}
		if c.Type == ConflictPropertyTypeChanged {
			sawTypeChange = true
		}
	}
	assert.True(t, sawRequiredness)
	assert.True(t, sawTypeChange)
}

func TestMerge_CleanWhenNoChanges(t *testing.T) {
	snap := Snapshot{Objects: []Entity{{
		ID: "X", Properties: []Property{{Name: "a", Type: "string"}},
		Fields: map[string]any{"isTaxable": true},
	}}}
	e := NewEngine()
	result := e.Merge(snap, snap, &snap, true, false)
	assert.Equal(t, StatusClean, result.Status)
}

func TestMerge_TaxValidatorBlocksAutoResolve(t *testing.T) {
	base := Snapshot{}
	entity := Entity{ID: "Product", Fields: map[string]any{"isTaxable": false, "taxRate": 5.0}}
	snap := Snapshot{Objects: []Entity{entity}}

	e := NewEngine()
	result := e.Merge(snap, snap, &base, true, false)
	assert.Equal(t, StatusConflicts, result.Status)
}

func TestMergeLists_NonOverlappingReordersPreserveAllItems(t *testing.T) {
	base := []ListItem{{Key: "a", Value: 1, Position: 0}, {Key: "b", Value: 2, Position: 1}, {Key: "c", Value: 3, Position: 2}, {Key: "d", Value: 4, Position: 3}}
	source := []ListItem{{Key: "b", Value: 2, Position: 0}, {Key: "a", Value: 1, Position: 1}, {Key: "c", Value: 3, Position: 2}, {Key: "d", Value: 4, Position: 3}}
	target := []ListItem{{Key: "a", Value: 1, Position: 0}, {Key: "b", Value: 2, Position: 1}, {Key: "d", Value: 4, Position: 2}, {Key: "c", Value: 3, Position: 3}}

	result := MergeLists(base, source, target)
	assert.Empty(t, result.Conflicts)
	assert.Len(t, result.Merged, 4)

	keys := map[string]bool{}
	for _, it := range result.Merged {
		keys[it.Key] = true
	}
	assert.True(t, keys["a"] && keys["b"] && keys["c"] && keys["d"])
}

func TestMergeLists_SameKeySameOpDifferentOutcomeConflicts(t *testing.T) {
	base := []ListItem{{Key: "a", Value: "base", Position: 0}}
	source := []ListItem{{Key: "a", Value: "source-edit", Position: 0}}
	target := []ListItem{{Key: "a", Value: "target-edit", Position: 0}}

	result := MergeLists(base, source, target)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, ListOpModify, result.Conflicts[0].Op)
}

func TestStateTransitionValidator_RejectsUndeclaredTransition(t *testing.T) {
	v := NewStateTransitionValidator(nil)
	base := Entity{Fields: map[string]any{"status": "draft"}}
	merged := Entity{Fields: map[string]any{"status": "archived"}}
	errs := v.Validate(merged, base, Entity{}, Entity{})
	require.NotEmpty(t, errs)
}

func TestProductTypeValidator_DigitalProductRequiresURL(t *testing.T) {
	v := ProductTypeValidator{}
	merged := Entity{Fields: map[string]any{"type": "digital_product"}}
	errs := v.Validate(merged, Entity{}, Entity{}, Entity{})
	require.NotEmpty(t, errs)
}
