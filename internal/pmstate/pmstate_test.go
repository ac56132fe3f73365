package pmstate

import (
	"bytes"
	"testing"

	"github.com/tinyrange/pcihost/internal/pcicap"
	"github.com/tinyrange/pcihost/internal/pcireg"
	"github.com/tinyrange/pcihost/internal/policy"
)

type fakeAccessor struct {
	space []byte
}

func newFakeAccessor() *fakeAccessor {
	space := make([]byte, configSpaceLen)
	for i := range space {
		space[i] = byte(i) // distinct, non-zero, non-0xff pattern
	}
	return &fakeAccessor{space: space}
}

func (a *fakeAccessor) ReadConfig(offset uint16, data []byte) error {
	copy(data, a.space[offset:int(offset)+len(data)])
	return nil
}
func (a *fakeAccessor) WriteConfig(offset uint16, data []byte) error {
	copy(a.space[offset:], data)
	return nil
}

func TestSaveAndRestoreRoundTrip(t *testing.T) {
	acc := newFakeAccessor()
	f := New(acc, nil, false, false, policy.DeviceQuirk{})

	outcome, err := f.Save()
	if err != nil || outcome != SaveOK {
		t.Fatalf("Save: outcome=%v err=%v", outcome, err)
	}

	// Corrupt live config space, as if the device reset during sleep.
	for i := range acc.space {
		acc.space[i] = 0
	}

	if err := f.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if acc.space[pcireg.Command] == 0 {
		t.Fatal("expected the command register to be restored from the shadow")
	}
}

func TestSaveAlreadyOff(t *testing.T) {
	acc := newFakeAccessor()
	f := New(acc, nil, false, false, policy.DeviceQuirk{})
	if err := f.TransitionTo(Doze); err != nil {
		t.Fatalf("TransitionTo(Doze): %v", err)
	}
	if err := f.TransitionTo(Off); err != nil {
		t.Fatalf("TransitionTo(Off): %v", err)
	}
	outcome, err := f.Save()
	if err != nil || outcome != SaveAlreadyOff {
		t.Fatalf("expected SaveAlreadyOff, got outcome=%v err=%v", outcome, err)
	}
}

func TestSaveDeviceMissing(t *testing.T) {
	acc := newFakeAccessor()
	for i := range acc.space {
		acc.space[i] = 0xff
	}
	f := New(acc, nil, false, false, policy.DeviceQuirk{})
	outcome, err := f.Save()
	if err != nil || outcome != SaveDeviceMissing {
		t.Fatalf("expected SaveDeviceMissing, got outcome=%v err=%v", outcome, err)
	}
}

func TestRestoreWithoutSaveFails(t *testing.T) {
	f := New(newFakeAccessor(), nil, false, false, policy.DeviceQuirk{})
	if err := f.Restore(); err == nil {
		t.Fatal("expected an error restoring a function that was never saved")
	}
}

func TestRestoreZeroesAERRootCommand(t *testing.T) {
	acc := newFakeAccessor()
	caps := pcicap.New()
	caps.Set(pcicap.AER, 0x100)
	f := New(acc, caps, false, false, policy.DeviceQuirk{})

	if _, err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := acc.space[0x100+pcireg.AERRootCommand : 0x100+pcireg.AERRootCommand+4]
	if !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("expected AER root command zeroed after restore, got %v", got)
	}
}

func TestRestoreIsIdempotentWithinAWakeEpoch(t *testing.T) {
	acc := newFakeAccessor()
	f := New(acc, nil, false, false, policy.DeviceQuirk{})
	if _, err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := f.Restore(); err != nil {
		t.Fatalf("first Restore: %v", err)
	}
	// Corrupt live config space so a second, skipped Restore would be
	// detectable: if it actually wrote, the command register would come
	// back non-zero again.
	acc.space[pcireg.Command] = 0
	if err := f.Restore(); err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	if acc.space[pcireg.Command] != 0 {
		t.Fatal("expected the second Restore in the same wake epoch to perform no I/O")
	}

	f.MarkWoken()
	if err := f.Restore(); err != nil {
		t.Fatalf("Restore after MarkWoken: %v", err)
	}
	if acc.space[pcireg.Command] == 0 {
		t.Fatal("expected Restore to perform I/O again in a new wake epoch")
	}
}

func TestSaveAppliesSleepLinkDisable(t *testing.T) {
	acc := newFakeAccessor()
	caps := pcicap.New()
	caps.Set(pcicap.Express, 0x80)
	f := New(acc, caps, false, false, policy.DeviceQuirk{SleepLinkDisable: true})

	if _, err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	lc := uint16(acc.space[0x80+pcireg.ExpressLinkControl]) | uint16(acc.space[0x80+pcireg.ExpressLinkControl+1])<<8
	if lc&pcireg.LinkControlLinkDisable == 0 {
		t.Fatal("expected LinkControl.LinkDisable set after Save")
	}
}

func TestSaveAppliesSleepReset(t *testing.T) {
	acc := newFakeAccessor()
	f := New(acc, nil, true, false, policy.DeviceQuirk{SleepReset: true})
	orig := uint16(acc.space[pcireg.BridgeControl]) | uint16(acc.space[pcireg.BridgeControl+1])<<8

	if _, err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := uint16(acc.space[pcireg.BridgeControl]) | uint16(acc.space[pcireg.BridgeControl+1])<<8
	if got != orig {
		t.Fatalf("expected SBR pulse to leave bridge control as it found it, got %#x want %#x", got, orig)
	}
}

func TestSaveAppliesWakeL1PMDisable(t *testing.T) {
	acc := newFakeAccessor()
	caps := pcicap.New()
	caps.Set(pcicap.Express, 0x80)
	caps.Set(pcicap.L1PM, 0x100)
	f := New(acc, caps, false, false, policy.DeviceQuirk{WakeL1PMDisable: true})

	if _, err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	lc := uint16(acc.space[0x80+pcireg.ExpressLinkControl]) | uint16(acc.space[0x80+pcireg.ExpressLinkControl+1])<<8
	if lc&pcireg.LinkControlClkReqEnable != 0 {
		t.Fatal("expected LinkControl CLKREQ# enable cleared after Save")
	}
	ctrl0 := acc.space[0x100+pcireg.L1PMCtrl0 : 0x100+pcireg.L1PMCtrl0+4]
	if !bytes.Equal(ctrl0, make([]byte, 4)) {
		t.Fatal("expected L1PM Ctrl0 masked after Save")
	}
}

func TestSaveOnHotplugMissingDeviceClearsValidAndRequestsTerminate(t *testing.T) {
	acc := newFakeAccessor()
	f := New(acc, nil, false, true, policy.DeviceQuirk{})
	terminated := false
	f.Terminate = func() { terminated = true }

	for i := range acc.space {
		acc.space[i] = 0xff
	}

	outcome, err := f.Save()
	if err != nil || outcome != SaveDeviceMissing {
		t.Fatalf("expected SaveDeviceMissing, got outcome=%v err=%v", outcome, err)
	}
	if f.Flags()&FlagValid != 0 {
		t.Fatal("expected FlagValid cleared once the device reads all-ones")
	}
	if !f.TerminateRequested() {
		t.Fatal("expected termination requested for a Hotplug-flagged vanished device")
	}
	if !terminated {
		t.Fatal("expected the Terminate callback to fire")
	}
}

func TestSaveOnNonHotplugMissingDeviceDoesNotRequestTerminate(t *testing.T) {
	acc := newFakeAccessor()
	f := New(acc, nil, false, false, policy.DeviceQuirk{})
	for i := range acc.space {
		acc.space[i] = 0xff
	}
	if _, err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if f.TerminateRequested() {
		t.Fatal("expected no termination request without FlagHotplug")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	f := New(newFakeAccessor(), nil, false, false, policy.DeviceQuirk{})
	if err := f.TransitionTo(Paused); err != nil {
		t.Fatalf("On -> Paused should be legal: %v", err)
	}
	if err := f.TransitionTo(Off); err == nil {
		t.Fatal("expected Paused -> Off to be rejected")
	}
}

// orderRecorder notes name in order each time the command register is
// written, which Restore does last for a function.
type orderRecorder struct {
	*fakeAccessor
	name  string
	order *[]string
}

func (r orderRecorder) WriteConfig(offset uint16, data []byte) error {
	if offset == pcireg.Command {
		*r.order = append(*r.order, r.name)
	}
	return r.fakeAccessor.WriteConfig(offset, data)
}

func TestRestoreAllOrdersParentsBeforeChildren(t *testing.T) {
	var order []string
	mkFn := func(name string, parent *Function) *Function {
		f := New(orderRecorder{fakeAccessor: newFakeAccessor(), name: name, order: &order}, nil, false, false, policy.DeviceQuirk{})
		if _, err := f.Save(); err != nil {
			t.Fatalf("Save: %v", err)
		}
		f.TunnelParent = parent
		return f
	}
	root := mkFn("root", nil)
	child := mkFn("child", root)
	grandchild := mkFn("grandchild", child)

	if root.depth() != 0 || child.depth() != 1 || grandchild.depth() != 2 {
		t.Fatalf("unexpected depths: root=%d child=%d grandchild=%d", root.depth(), child.depth(), grandchild.depth())
	}

	fns := []*Function{grandchild, child, root} // deliberately out of order
	for _, err := range RestoreAll(fns) {
		t.Fatalf("unexpected restore error: %v", err)
	}
	if len(order) != 3 || order[0] != "root" || order[1] != "child" || order[2] != "grandchild" {
		t.Fatalf("restore order = %v, want [root child grandchild]", order)
	}
}

func TestResolveASPM(t *testing.T) {
	const both = pcireg.LinkControlASPM0s | pcireg.LinkControlASPM1
	if got := ResolveASPM(both, both, policy.DeviceQuirk{}); got != both {
		t.Fatalf("ResolveASPM = %#x, want %#x", got, both)
	}
	if got := ResolveASPM(both, pcireg.LinkControlASPM0s, policy.DeviceQuirk{}); got != pcireg.LinkControlASPM0s {
		t.Fatalf("expected the narrower partner capability to win, got %#x", got)
	}
	if got := ResolveASPM(both, both, policy.DeviceQuirk{DisableASPM: true}); got != 0 {
		t.Fatalf("expected a DisableASPM quirk to force ASPM off, got %#x", got)
	}
}

func TestBootGateDefersUntilReady(t *testing.T) {
	var g BootGate
	ran := false
	g.Defer(func() { ran = true })
	if ran {
		t.Fatal("expected the deferred closure not to run before MarkReady")
	}
	g.MarkReady()
	if !ran {
		t.Fatal("expected the deferred closure to run once the gate opens")
	}

	ran2 := false
	g.Defer(func() { ran2 = true })
	if !ran2 {
		t.Fatal("expected work deferred after the gate is open to run immediately")
	}
}

func TestBootGateMarkReadyIdempotent(t *testing.T) {
	var g BootGate
	count := 0
	g.Defer(func() { count++ })
	g.MarkReady()
	g.MarkReady()
	if count != 1 {
		t.Fatalf("expected the deferred closure to run exactly once, ran %d times", count)
	}
}
