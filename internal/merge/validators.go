package merge

import "fmt"

// ValidationError is a single semantic validator finding.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" | "warning"
}

// SemanticValidator runs domain rules against a merge candidate,
// grounded in merge_validators.py's MergeValidator abstract base.
type SemanticValidator interface {
	Name() string
	Validate(merged, base, source, target Entity) []ValidationError
}

// ValidatorRegistry runs every registered validator and collects errors,
// matching merge_validators.py's MergeValidatorRegistry.
type ValidatorRegistry struct {
	order      []string
	validators map[string]SemanticValidator
}

// NewValidatorRegistry constructs a registry with the three required
// validators pre-registered.
func NewValidatorRegistry() *ValidatorRegistry {
	r := &ValidatorRegistry{validators: make(map[string]SemanticValidator)}
	r.Register("tax", TaxValidator{})
	r.Register("product_type", ProductTypeValidator{})
	r.Register("state_transition", NewStateTransitionValidator(nil))
	return r
}

// Register adds or replaces a validator under name.
func (r *ValidatorRegistry) Register(name string, v SemanticValidator) {
	if _, exists := r.validators[name]; !exists {
		r.order = append(r.order, name)
	}
	r.validators[name] = v
}

// ValidateAll runs every registered validator against the candidate.
func (r *ValidatorRegistry) ValidateAll(merged, base, source, target Entity) []ValidationError {
	var all []ValidationError
	for _, name := range r.order {
		all = append(all, r.validators[name].Validate(merged, base, source, target)...)
	}
	return all
}

// TaxValidator enforces the tax-exemption field rules.
type TaxValidator struct{}

func (TaxValidator) Name() string { return "tax" }

func (TaxValidator) Validate(merged, base, source, target Entity) []ValidationError {
	var errs []ValidationError

	isTaxable, _ := merged.Fields["isTaxable"].(bool)
	taxRate, _ := toFloat(merged.Fields["taxRate"])
	exemptionReason, hasExemption := merged.Fields["taxExemptionReason"]
	hasExemption = hasExemption && exemptionReason != nil && exemptionReason != ""

	if !isTaxable && taxRate > 0 {
		errs = append(errs, ValidationError{Field: "taxRate", Severity: "error",
			Message: fmt.Sprintf("non-taxable items cannot have tax rate > 0 (current: %v)", taxRate)})
	}
	if !isTaxable && !hasExemption {
		errs = append(errs, ValidationError{Field: "taxExemptionReason", Severity: "warning",
			Message: "tax-exempt items must have an exemption reason"})
	}
	if isTaxable && hasExemption {
		errs = append(errs, ValidationError{Field: "taxExemptionReason", Severity: "warning",
			Message: "taxable items should not have an exemption reason"})
	}

	return errs
}

// ProductTypeValidator enforces digital/physical product field rules.
type ProductTypeValidator struct{}

func (ProductTypeValidator) Name() string { return "product_type" }

func (ProductTypeValidator) Validate(merged, base, source, target Entity) []ValidationError {
	var errs []ValidationError

	productType, _ := merged.Fields["type"].(string)
	_, hasWeight := presentNonNil(merged.Fields, "weight")
	_, hasDimensions := presentNonNil(merged.Fields, "dimensions")
	digitalURL, hasDigitalURL := presentNonNil(merged.Fields, "digital_url")
	_, hasFileSize := presentNonNil(merged.Fields, "fileSize")

	switch productType {
	case "digital_product":
		if hasWeight {
			errs = append(errs, ValidationError{Field: "weight", Severity: "error", Message: "digital products cannot have weight"})
		}
		if hasDimensions {
			errs = append(errs, ValidationError{Field: "dimensions", Severity: "error", Message: "digital products cannot have physical dimensions"})
		}
		if !hasDigitalURL || digitalURL == "" {
			errs = append(errs, ValidationError{Field: "digital_url", Severity: "error", Message: "digital products must have a download URL"})
		}
	case "physical_product":
		if hasDigitalURL {
			errs = append(errs, ValidationError{Field: "digital_url", Severity: "warning", Message: "physical products should not have a digital URL"})
		}
		if hasFileSize {
			errs = append(errs, ValidationError{Field: "fileSize", Severity: "error", Message: "physical products should not have a file size"})
		}
	}

	return errs
}

func presentNonNil(fields map[string]any, key string) (any, bool) {
	v, ok := fields[key]
	return v, ok && v != nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// TransitionRule names the allowed predecessor states and the fields a
// target status requires.
type TransitionRule struct {
	From           []string
	RequiredFields []string
}

// StateTransitionValidator enforces the schema's declared status
// transition table, per merge_validators.py's StateTransitionValidator.
type StateTransitionValidator struct {
	rules map[string]TransitionRule
}

// NewStateTransitionValidator builds a validator from a transition table;
// a nil table falls back to the two rules the source schema hardcodes
// (published, archived).
func NewStateTransitionValidator(rules map[string]TransitionRule) StateTransitionValidator {
	if rules == nil {
		rules = map[string]TransitionRule{
			"published": {From: []string{"review", "draft"}, RequiredFields: []string{"reviewed_by", "published_at"}},
			"archived":  {From: []string{"published"}, RequiredFields: []string{"archived_by", "archived_at", "archive_reason"}},
		}
	}
	return StateTransitionValidator{rules: rules}
}

func (StateTransitionValidator) Name() string { return "state_transition" }

func (v StateTransitionValidator) Validate(merged, base, source, target Entity) []ValidationError {
	baseStatus, _ := base.Fields["status"].(string)
	mergedStatus, _ := merged.Fields["status"].(string)

	if baseStatus == mergedStatus {
		return nil
	}

	rule, ok := v.rules[mergedStatus]
	if !ok {
		return nil
	}

	var errs []ValidationError
	allowed := false
	for _, f := range rule.From {
		if f == baseStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		errs = append(errs, ValidationError{Field: "status", Severity: "error",
			Message: fmt.Sprintf("invalid state transition: %s -> %s (allowed from: %v)", baseStatus, mergedStatus, rule.From)})
	}

	for _, field := range rule.RequiredFields {
		if _, ok := presentNonNil(merged.Fields, field); !ok {
			errs = append(errs, ValidationError{Field: field, Severity: "error",
				Message: fmt.Sprintf("field %q is required for status %q", field, mergedStatus)})
		}
	}

	return errs
}
