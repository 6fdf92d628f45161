package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Unknown", StateUnknown.String())
	assert.Equal(t, "Resolving", StateResolving.String())
	assert.Equal(t, "Reachable", StateReachable.String())
	assert.Equal(t, "Unreachable", StateUnreachable.String())
	assert.Equal(t, "Invalid", ConnectionState(42).String())
}

func TestProbeResult_Cancelled(t *testing.T) {
	assert.True(t, ProbeResult{Err: fmt.Errorf("probe: %w", context.Canceled)}.Cancelled())
	assert.False(t, ProbeResult{Err: context.DeadlineExceeded}.Cancelled())
	assert.False(t, ProbeResult{Err: errors.New("refused")}.Cancelled())
	assert.False(t, ProbeResult{Success: true, StatusCode: 200}.Cancelled())
}
