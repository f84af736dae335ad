package emit

import "testing"

func TestEventZeroValueIsUsable(t *testing.T) {
	var e Event
	if e.WorkflowID != "" || e.StepID != "" || e.Attempt != 0 || e.Meta != nil {
		t.Errorf("zero Event = %+v, want all-zero", e)
	}
}
