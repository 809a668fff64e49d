package history

import "testing"

func TestPlanCoercion(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		existing  FieldType
		submitted FieldType
		wantOK    bool
		wantRetry bool
		wantValue any
		wantPin   StorageType
	}{
		{"bool into float", true, FieldFloat, FieldBoolean, true, true, 1.0, StorageNumber},
		{"false into integer", false, FieldInteger, FieldBoolean, true, true, 0.0, StorageNumber},
		{"one into boolean", 1.0, FieldBoolean, FieldFloat, true, true, true, StorageBoolean},
		{"zero into boolean", 0.0, FieldBoolean, FieldFloat, true, true, false, StorageBoolean},
		{"fraction into boolean", 0.5, FieldBoolean, FieldFloat, true, false, nil, StorageBoolean},
		{"float into string", 21.5, FieldString, FieldFloat, true, true, "21.5", StorageString},
		{"bool into string", true, FieldString, FieldBoolean, true, true, "true", StorageString},
		{"string into float", "auto", FieldFloat, FieldString, false, false, nil, StorageNone},
		{"string into boolean", "auto", FieldBoolean, FieldString, false, false, nil, StorageNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, ok := planCoercion(tt.value, &ConflictError{Series: "s", Existing: tt.existing, Submitted: tt.submitted})
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if plan.retry != tt.wantRetry {
				t.Errorf("retry = %v, want %v", plan.retry, tt.wantRetry)
			}
			if plan.pin != tt.wantPin {
				t.Errorf("pin = %q, want %q", plan.pin, tt.wantPin)
			}
			if tt.wantRetry && plan.value != tt.wantValue {
				t.Errorf("value = %#v, want %#v", plan.value, tt.wantValue)
			}
		})
	}
}

func TestAsConflict(t *testing.T) {
	err := error(&ConflictError{Series: "s", Existing: FieldFloat, Submitted: FieldBoolean})
	c, ok := AsConflict(err)
	if !ok || c.Series != "s" {
		t.Errorf("AsConflict() = %v, %v", c, ok)
	}
	if _, ok := AsConflict(errOpaque); ok {
		t.Error("AsConflict() matched an opaque error")
	}
}
