package cel

import (
	"context"
	"reflect"
	"testing"

	"github.com/formbridge/formbridge/internal/domain/workflow"
)

func TestValidateFlagsFailingValues(t *testing.T) {
	v, err := NewFieldValidator([]Rule{
		{Phase: workflow.PhaseDetails, Field: "email", Expr: `value.contains("@")`},
		{Phase: workflow.PhaseDetails, Field: "date", Expr: `value.matches(r"^\d{4}-\d{2}-\d{2}$")`},
	})
	if err != nil {
		t.Fatalf("NewFieldValidator() error = %v", err)
	}

	invalid, err := v.Validate(context.Background(), workflow.PhaseDetails, map[string]string{
		"email": "not-an-address",
		"date":  "2026-04-01",
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !reflect.DeepEqual(invalid, []string{"email"}) {
		t.Errorf("Validate() = %v, want [email]", invalid)
	}
}

func TestValidatePassesGoodValues(t *testing.T) {
	v, err := NewFieldValidator([]Rule{
		{Phase: workflow.PhaseLookup, Field: "service", Expr: `value in ["passport", "visa"]`},
	})
	if err != nil {
		t.Fatalf("NewFieldValidator() error = %v", err)
	}

	invalid, err := v.Validate(context.Background(), workflow.PhaseLookup, map[string]string{
		"service": "passport",
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(invalid) != 0 {
		t.Errorf("Validate() = %v, want none", invalid)
	}
}

func TestValidateSkipsAbsentFields(t *testing.T) {
	v, err := NewFieldValidator([]Rule{
		{Phase: workflow.PhaseDetails, Field: "email", Expr: `value.contains("@")`},
	})
	if err != nil {
		t.Fatalf("NewFieldValidator() error = %v", err)
	}

	invalid, err := v.Validate(context.Background(), workflow.PhaseDetails, map[string]string{
		"full_name": "Ada Lovelace",
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(invalid) != 0 {
		t.Errorf("Validate() = %v, want absent field skipped", invalid)
	}
}

func TestValidateIgnoresOtherPhases(t *testing.T) {
	v, err := NewFieldValidator([]Rule{
		{Phase: workflow.PhaseDetails, Field: "email", Expr: `value.contains("@")`},
	})
	if err != nil {
		t.Fatalf("NewFieldValidator() error = %v", err)
	}

	invalid, err := v.Validate(context.Background(), workflow.PhaseLookup, map[string]string{
		"email": "not-an-address",
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(invalid) != 0 {
		t.Errorf("Validate() = %v, want rule for another phase ignored", invalid)
	}
}

func TestValidateCrossFieldExpression(t *testing.T) {
	v, err := NewFieldValidator([]Rule{
		{Phase: workflow.PhaseConfirm, Field: "confirm",
			Expr: `value == "yes" && "email" in fields`},
	})
	if err != nil {
		t.Fatalf("NewFieldValidator() error = %v", err)
	}

	invalid, err := v.Validate(context.Background(), workflow.PhaseConfirm, map[string]string{
		"confirm": "yes",
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !reflect.DeepEqual(invalid, []string{"confirm"}) {
		t.Errorf("Validate() = %v, want [confirm] (email missing)", invalid)
	}
}

func TestNewFieldValidatorRejectsMalformedExpression(t *testing.T) {
	_, err := NewFieldValidator([]Rule{
		{Phase: workflow.PhaseLookup, Field: "service", Expr: `value ==`},
	})
	if err == nil {
		t.Fatal("NewFieldValidator() error = nil, want compile failure")
	}
}

func TestValidateRejectsNonBoolResult(t *testing.T) {
	v, err := NewFieldValidator([]Rule{
		{Phase: workflow.PhaseLookup, Field: "service", Expr: `value + "x"`},
	})
	if err != nil {
		t.Fatalf("NewFieldValidator() error = %v", err)
	}

	_, err = v.Validate(context.Background(), workflow.PhaseLookup, map[string]string{
		"service": "passport",
	})
	if err == nil {
		t.Fatal("Validate() error = nil, want non-bool rejection")
	}
}
