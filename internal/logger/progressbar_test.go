package logger

import "testing"

func TestProgressBarRender(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		current int
		want    string
	}{
		{"empty", 6, 0, "[          ] 0/6 (0%)"},
		{"half", 6, 3, "[=====     ] 3/6 (50%)"},
		{"full", 4, 4, "[==========] 4/4 (100%)"},
		{"overflow clamps", 2, 5, "[==========] 5/2 (100%)"},
		{"zero total", 0, 0, "[          ] 0/0 (0%)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb := NewProgressBar(tt.total, 10, false)
			pb.Update(tt.current)
			if got := pb.Render(); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProgressBarDefaultWidth(t *testing.T) {
	pb := NewProgressBar(10, 0, false)
	pb.Update(10)
	if got := pb.Render(); got != "[==========] 10/10 (100%)" {
		t.Errorf("Render() = %q", got)
	}
}
