package bitutil

import "testing"

func TestWidthFor(t *testing.T) {
	cases := map[uint64]int{
		0:   1,
		1:   1,
		2:   2,
		3:   2,
		4:   3,
		255: 8,
		256: 9,
	}
	for in, want := range cases {
		if got := WidthFor(in); got != want {
			t.Errorf("WidthFor(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPackedIntsRoundTrip(t *testing.T) {
	width := WidthFor(300)
	p := NewPackedInts(10, width)
	for i := 0; i < 10; i++ {
		if !p.IsNull(i) {
			t.Fatalf("slot %d expected null initially", i)
		}
	}
	vals := []uint64{0, 1, 300, 17, 299, 2, 0, 150, 1, 298}
	for i, v := range vals {
		p.Set(i, v)
	}
	for i, v := range vals {
		if got := p.Get(i); got != v {
			t.Errorf("slot %d = %d, want %d", i, got, v)
		}
	}
}

func TestPackedIntsWideValues(t *testing.T) {
	width := 64
	p := NewPackedInts(4, width)
	vals := []uint64{0, ^uint64(0) - 1, 1 << 40, 12345}
	for i, v := range vals {
		p.Set(i, v)
	}
	for i, v := range vals {
		if got := p.Get(i); got != v {
			t.Errorf("slot %d = %d, want %d", i, got, v)
		}
	}
}
