package util

import (
	"reflect"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("FUNNELPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("FUNNELPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("FUNNELPIPE_TEST_INT", "")
	if got := ParseIntEnv("FUNNELPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("unset: got %d", got)
	}
	t.Setenv("FUNNELPIPE_TEST_INT", " 42 ")
	if got := ParseIntEnv("FUNNELPIPE_TEST_INT", 7); got != 42 {
		t.Errorf("set: got %d", got)
	}
	t.Setenv("FUNNELPIPE_TEST_INT", "forty")
	if got := ParseIntEnv("FUNNELPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("invalid: got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 10 * time.Minute},
		{"5", 5 * time.Minute},
		{"90s", 90 * time.Second},
		{"soon", 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("FUNNELPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("FUNNELPIPE_TEST_DURATION", 10*time.Minute, time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseListEnv(t *testing.T) {
	def := []string{"GABY01"}
	t.Setenv("FUNNELPIPE_TEST_LIST", "")
	if got := ParseListEnv("FUNNELPIPE_TEST_LIST", def); !reflect.DeepEqual(got, def) {
		t.Errorf("unset: got %v", got)
	}
	t.Setenv("FUNNELPIPE_TEST_LIST", " a, ,b:whatsmeow ,")
	if got := ParseListEnv("FUNNELPIPE_TEST_LIST", def); !reflect.DeepEqual(got, []string{"a", "b:whatsmeow"}) {
		t.Errorf("set: got %v", got)
	}
	t.Setenv("FUNNELPIPE_TEST_LIST", " , ")
	if got := ParseListEnv("FUNNELPIPE_TEST_LIST", def); !reflect.DeepEqual(got, def) {
		t.Errorf("blank: got %v", got)
	}
}
