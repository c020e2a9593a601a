package prj

import "testing"

func TestRegistryBuilds(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := reg.GetFloat(reg.NumFromString("version")); got != float32(Version) {
		t.Fatalf("version = %v", got)
	}
	if reg.GetInt(reg.NumFromID(1)) != 22 {
		t.Fatalf("canNodeId default = %d", reg.GetInt(reg.NumFromID(1)))
	}
	if Category(*reg.GetAttrib(reg.NumFromString("isaKW"))) != "Status" {
		t.Fatalf("values fall into the status category")
	}
}
