package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/pulsed/sym"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		verbosity  int
		wantLevel  zapcore.Level
	}{
		{"JSON quiet", true, 0, zapcore.WarnLevel},
		{"console info", false, 1, zapcore.InfoLevel},
		{"console debug", false, 2, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := Logger
			t.Cleanup(func() { Logger = prev })

			require.NoError(t, Initialize(tt.jsonOutput, tt.verbosity))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
			assert.Equal(t, tt.wantLevel, Level())
		})
	}
}

func TestSetVerbosity(t *testing.T) {
	SetVerbosity(2)
	assert.Equal(t, zapcore.DebugLevel, Level())
	SetVerbosity(0)
	assert.Equal(t, zapcore.WarnLevel, Level())
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))
	assert.Equal(t, "Debug (-vv)", LevelName(3))
}

func TestSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	AddPulseSymbol(base).Infow("Job armed", FieldJobID, "J1")
	AddLeaderSymbol(base).Infow("Became leader")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, sym.Pulse, entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "J1", entries[0].ContextMap()[FieldJobID])
	assert.Equal(t, sym.Leader, entries[1].ContextMap()[FieldSymbol])
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithRequestID(WithJobID(context.Background(), "J1"), "req-7")
	FromContext(ctx, base).Infow("cancel")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "J1", fields[FieldJobID])
	assert.Equal(t, "req-7", fields[FieldRequestID])

	assert.Same(t, base, FromContext(context.Background(), base))
}
