package imgreq

import "testing"

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"512", 512, true},
		{"64b", 64, true},
		{"32k", 32 << 10, true},
		{"32KB", 32 << 10, true},
		{" 1.5m ", 3 << 19, true},
		{"2g", 2 << 30, true},
		{"", 0, false},
		{"b", 0, false},
		{"-1k", 0, false},
		{"tenmb", 0, false},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("parseBytes(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("parseBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0b"},
		{1023, "1023b"},
		{1024, "1kb"},
		{1536, "1.5kb"},
		{5 << 20, "5mb"},
		{(3 << 30) / 2, "1.5gb"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
