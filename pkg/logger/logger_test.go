package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWhatsmeowAdapter_NamesSubLoggers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	wl := Whatsmeow(zap.New(core).Sugar())

	wl.Sub("Client").Sub("Socket").Warnf("frame %d dropped", 7)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "Client.Socket", entries[0].LoggerName)
	require.Equal(t, "frame 7 dropped", entries[0].Message)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestForTenant_AddsField(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ForTenant(zap.New(core).Sugar(), "u1").Infow("connected")

	require.Equal(t, 1, logs.FilterField(zap.String("tenant", "u1")).Len())
}
