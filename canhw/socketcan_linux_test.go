package canhw

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestKernelFilters(t *testing.T) {
	got := KernelFilters([]UserMessage{
		{ID: 0x123},
		{ID: 0x123 | ForceExtended},
		{ID: 0x18FF0000, Mask: 0x1FFF0000},
	})
	want := []unix.CanFilter{
		{Id: 0x123, Mask: unix.CAN_SFF_MASK | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG},
		{Id: 0x123 | unix.CAN_EFF_FLAG, Mask: unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG},
		{Id: 0x18FF0000 | unix.CAN_EFF_FLAG, Mask: 0x1FFF0000 | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d filters", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("filter %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
