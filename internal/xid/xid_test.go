package xid

import (
	"strings"
	"testing"
	"time"
)

func TestOrderNumberFormat(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 30, 5, 0, time.UTC)
	got := OrderNumber("t1", at)

	if !strings.HasPrefix(got, "ORD-T1-20260314103005-") {
		t.Fatalf("unexpected order number %q", got)
	}
	if len(got) != len("ORD-T1-20260314103005-")+6 {
		t.Fatalf("unexpected suffix length in %q", got)
	}
	if OrderNumber("t1", at) == got {
		t.Fatalf("expected unique order numbers")
	}
}

func TestNewUsesPrefix(t *testing.T) {
	if id := New("shift"); !strings.HasPrefix(id, "shift-") {
		t.Fatalf("unexpected id %q", id)
	}
}
