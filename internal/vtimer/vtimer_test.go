package vtimer

import "testing"

func TestTickFiresOnlyWhenEnabledUnmaskedAndDue(t *testing.T) {
	timer := New(1000)
	timer.WriteCval(500)

	if fired := timer.Tick(600); fired {
		t.Fatalf("timer fired while disabled")
	}

	timer.WriteCtl(CtlEnable)
	if fired := timer.Tick(400); fired {
		t.Fatalf("timer fired before cval reached")
	}
	if fired := timer.Tick(500); !fired {
		t.Fatalf("timer did not fire once vct reached cval")
	}

	timer.WriteCtl(CtlEnable | CtlMask)
	if fired := timer.Tick(700); fired {
		t.Fatalf("masked timer should not fire even though condition holds")
	}
}

func TestWriteCvalClearsISTATUS(t *testing.T) {
	timer := New(1000)
	timer.WriteCtl(CtlEnable)
	timer.WriteCval(100)
	timer.Tick(200)
	if timer.ReadCtl()&CtlISTATUS == 0 {
		t.Fatalf("expected ISTATUS set after condition held")
	}

	timer.WriteCval(1000)
	if timer.ReadCtl()&CtlISTATUS != 0 {
		t.Fatalf("ISTATUS should clear on a new CVAL write")
	}
}

func TestCntvoffShiftsVirtualCount(t *testing.T) {
	timer := New(1000)
	timer.SetOffset(50)
	if got := timer.VirtualCount(100); got != 50 {
		t.Fatalf("VirtualCount(100) with offset 50 = %d, want 50", got)
	}
}

func TestPreemptionTicksIsOneHundredthOfFreq(t *testing.T) {
	timer := New(62_500_000)
	if got := timer.PreemptionTicks(); got != 625_000 {
		t.Fatalf("PreemptionTicks() = %d, want 625000", got)
	}
}
