package presence

import "testing"

func TestColorFor_Deterministic(t *testing.T) {
	ids := []string{"", "a", "user-123", "user-124", "김철수", "🎨-painter", "a-very-long-identifier-that-overflows-int32-many-times"}
	for _, id := range ids {
		first := ColorFor(id)
		second := ColorFor(id)
		if first != second {
			t.Errorf("ColorFor(%q) not deterministic: %v vs %v", id, first, second)
		}
		if first.Hue < 0 || first.Hue >= 360 {
			t.Errorf("ColorFor(%q) hue %d out of range", id, first.Hue)
		}
	}
}

func TestColorFor_DistinctNeighbours(t *testing.T) {
	a := ColorFor("user-123")
	b := ColorFor("user-124")
	if a.Hue == b.Hue {
		t.Errorf("Expected different hues, both got %d", a.Hue)
	}
}

func TestColorFor_KnownValues(t *testing.T) {
	tests := []struct {
		id   string
		want int
	}{
		{"", 0},
		{"a", 97},
		{"ab", 225}, // 98 + 97*31 = 3105
	}
	for _, tt := range tests {
		if got := ColorFor(tt.id).Hue; got != tt.want {
			t.Errorf("ColorFor(%q).Hue = %d, want %d", tt.id, got, tt.want)
		}
	}
}

func TestColor_String(t *testing.T) {
	if got := ColorFor("").String(); got != "hsl(0, 70%, 50%)" {
		t.Errorf("Unexpected color string %q", got)
	}
}

func TestHueOf_Negative(t *testing.T) {
	if got := hueOf(-1); got != 359 {
		t.Errorf("hueOf(-1) = %d, want 359", got)
	}
	if got := hueOf(-720); got != 0 {
		t.Errorf("hueOf(-720) = %d, want 0", got)
	}
}
