package supervise

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		state  State
		expect Decision
		status int
	}{
		{StateStarting, DecisionAbandon, 1},
		{StateRunning, DecisionRestart, -1},
		{StateStopping, DecisionExit, 0},
		{StateForceStopping, DecisionExit, 0},
	}

	for _, test := range tests {
		t.Run(test.state.String(), func(t *testing.T) {
			d := Decide(test.state)
			if d != test.expect {
				t.Errorf("expected %v, got %v", test.expect, d)
			}
			if s := d.ExitStatus(); s != test.status {
				t.Errorf("expected exit status %d, got %d", test.status, s)
			}
		})
	}
}

func TestState(t *testing.T) {
	if StateAbsent.IsLive() {
		t.Error("absent state is live")
	}

	for _, st := range []State{StateStarting, StateRunning, StateStopping, StateForceStopping} {
		if !st.IsLive() {
			t.Errorf("%v is not live", st)
		}
	}

	if StateRunning.IsStopping() || StateStarting.IsStopping() {
		t.Error("running states are stopping")
	}
	if !StateStopping.IsStopping() || !StateForceStopping.IsStopping() {
		t.Error("stopping states are not stopping")
	}
}
