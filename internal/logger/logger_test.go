package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetColored(false)
	SetGlobalLevel(LevelWarn)
	defer func() {
		SetOutput(os.Stderr)
		SetColored(true)
		SetGlobalLevel(LevelInfo)
	}()

	log := New("test")
	log.Debug("should not appear")
	log.Info("should not appear either")
	log.Warn("warning line")
	log.Error("error line")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("suppressed levels leaked into output: %q", out)
	}
	if !strings.Contains(out, "warning line") || !strings.Contains(out, "error line") {
		t.Errorf("expected warn and error lines, got: %q", out)
	}
	if !strings.Contains(out, "[test]") {
		t.Errorf("expected prefix [test] in output: %q", out)
	}
}
