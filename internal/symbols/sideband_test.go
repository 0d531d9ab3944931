package symbols

import (
	"strings"
	"testing"
)

func TestParseSidebandTableBasic(t *testing.T) {
	r := strings.NewReader("cocos2d::CCNode::onEnter() - 1a2b\nGJBaseGameLayer::update(float) - 3c4d\n")
	tbl, err := ParseSidebandTable(r)
	if err != nil {
		t.Fatalf("ParseSidebandTable: %v", err)
	}
	if name, ok := tbl.Lookup(0x1a2b); !ok || name != "cocos2d::CCNode::onEnter()" {
		t.Errorf("Lookup(0x1a2b) = %q, %v", name, ok)
	}
	if name, ok := tbl.Lookup(0x3c4d); !ok || name != "GJBaseGameLayer::update(float)" {
		t.Errorf("Lookup(0x3c4d) = %q, %v", name, ok)
	}
	if _, ok := tbl.Lookup(0x9999); ok {
		t.Errorf("Lookup(0x9999) should miss")
	}
}

// Malformed lines are skipped, not fatal (spec.md §7, error #5).
func TestParseSidebandTableSkipsMalformed(t *testing.T) {
	r := strings.NewReader("good::one() - ff\nthis line has no separator\nbad::offset() - zzzz\nother::two() - 100\n")
	tbl, err := ParseSidebandTable(r)
	if err != nil {
		t.Fatalf("ParseSidebandTable: %v", err)
	}
	if name, ok := tbl.Lookup(0xff); !ok || name != "good::one()" {
		t.Errorf("Lookup(0xff) = %q, %v", name, ok)
	}
	if name, ok := tbl.Lookup(0x100); !ok || name != "other::two()" {
		t.Errorf("Lookup(0x100) = %q, %v", name, ok)
	}
}

func TestSidebandTableNearestAtOrBelow(t *testing.T) {
	tbl, err := ParseSidebandTable(strings.NewReader("a::f1() - 1000\na::f2() - 1050\na::f3() - 2000\n"))
	if err != nil {
		t.Fatalf("ParseSidebandTable: %v", err)
	}

	tests := []struct {
		name       string
		lo, hi     uintptr
		wantOffset uintptr
		wantName   string
		wantOk     bool
	}{
		{"exact upper bound", 0x1000, 0x1050, 0x1050, "a::f2()", true},
		{"between two entries picks the lower", 0x1000, 0x1049, 0x1000, "a::f1()", true},
		{"nothing in range", 0x1, 0xff, 0, "", false},
		{"range entirely below all entries", 0x0, 0x0fff, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			off, name, ok := tbl.NearestAtOrBelow(tt.lo, tt.hi)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && (off != tt.wantOffset || name != tt.wantName) {
				t.Errorf("= 0x%X %q, want 0x%X %q", off, name, tt.wantOffset, tt.wantName)
			}
		})
	}
}

func TestSidebandTableEmpty(t *testing.T) {
	var tbl *SidebandTable
	if !tbl.Empty() {
		t.Errorf("nil table should report Empty")
	}
	loaded, _ := ParseSidebandTable(strings.NewReader(""))
	if !loaded.Empty() {
		t.Errorf("table parsed from empty input should report Empty")
	}
}

func TestNeedsRefresh(t *testing.T) {
	const hour = 3600
	tests := []struct {
		name string
		last int64
		now  int64
		want bool
	}{
		{"never fetched", 0, 10_000, true},
		{"one hour old", 10_000, 10_000 + hour, false},
		{"just under four hours", 10_000, 10_000 + 4*hour - 1, false},
		{"exactly four hours", 10_000, 10_000 + 4*hour, true},
		{"well past four hours", 10_000, 10_000 + 10*hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsRefresh(tt.last, tt.now); got != tt.want {
				t.Errorf("NeedsRefresh(%d, %d) = %v, want %v", tt.last, tt.now, got, tt.want)
			}
		})
	}
}
