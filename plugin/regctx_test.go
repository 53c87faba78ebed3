package plugin

import (
	"encoding/binary"
	"testing"
)

func TestRegContext(t *testing.T) {
	g := newTestGuest()
	g.vals[0] = 0x1111
	g.vals[8] = 0x8000
	h := New(g, nil)

	c, err := h.NewRegContext([]string{"pc", "r0"})
	if err != nil {
		t.Fatal(err)
	}
	if c.NRegs() != 2 || c.RegName(0) != "pc" || c.RegName(1) != "r0" {
		t.Fatal("context shape")
	}
	if c.RegSize(0) != 2 {
		t.Fatalf("pc size: %d", c.RegSize(0))
	}

	buf := c.RegPtr(0)
	if err := c.Load(0); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint16(buf) != 0x8000 {
		t.Fatalf("pc after load: %x", buf)
	}

	// buffers stay in place across loads
	g.vals[8] = 0x8042
	if err := c.Load(0); err != nil {
		t.Fatal(err)
	}
	if &buf[0] != &c.RegPtr(0)[0] {
		t.Fatal("RegPtr moved between loads")
	}
	if binary.LittleEndian.Uint16(buf) != 0x8042 {
		t.Fatalf("pc after reload: %x", buf)
	}

	c.Free()
	if err := c.Load(0); err == nil {
		t.Fatal("load after free succeeded")
	}
}

func TestRegContextUnknownName(t *testing.T) {
	h := New(newTestGuest(), nil)
	if _, err := h.NewRegContext([]string{"pc", "nosuch"}); err == nil {
		t.Fatal("unknown register accepted")
	}
}

func TestRegContextDuringVCPUInit(t *testing.T) {
	h := New(newTestGuest(), nil)
	mod := Module{Name: "init", Version: Version,
		Install: func(id ID, info *Info, args []string) int {
			h.RegisterVCPUInitCb(id, func(id ID, vcpu int) {
				if _, err := h.NewRegContext([]string{"pc"}); err == nil {
					t.Error("register context created during vcpu init")
				}
			})
			return 0
		}}
	if _, err := h.Load(mod, nil); err != nil {
		t.Fatal(err)
	}
	h.VCPUInit(0)

	// and it works again once init is done
	if _, err := h.NewRegContext([]string{"pc"}); err != nil {
		t.Fatal(err)
	}
}
