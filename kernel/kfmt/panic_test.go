package kfmt

import (
	"bytes"
	"strings"
	"testing"

	"kos/kernel"
)

func TestPanic(t *testing.T) {
	defer func(origHalt func()) {
		cpuHaltFn = origHalt
		outputSink = nil
	}(cpuHaltFn)

	haltCalls := 0
	cpuHaltFn = func() { haltCalls++ }

	var buf bytes.Buffer
	outputSink = &buf

	t.Run("kernel error", func(t *testing.T) {
		buf.Reset()
		Panic(&kernel.Error{Module: "test", Message: "consistency check failed"})

		if got := buf.String(); !strings.Contains(got, "[test] unrecoverable error: consistency check failed") {
			t.Fatalf("unexpected panic output:\n%s", got)
		}
	})

	t.Run("plain string", func(t *testing.T) {
		buf.Reset()
		Panic("something broke")

		if got := buf.String(); !strings.Contains(got, "[rt] unrecoverable error: something broke") {
			t.Fatalf("unexpected panic output:\n%s", got)
		}
	})

	if haltCalls != 2 {
		t.Fatalf("expected the CPU to be halted once per panic; got %d halts", haltCalls)
	}
}
