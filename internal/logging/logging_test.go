package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, debug := range []bool{false, true} {
		log, err := New(debug)
		if err != nil {
			t.Fatalf("New(%v): %v", debug, err)
		}
		if got := log.Desugar().Core().Enabled(zapcore.DebugLevel); got != debug {
			t.Errorf("New(%v): debug enabled = %v", debug, got)
		}
	}
}
