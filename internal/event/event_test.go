package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "BackupStarted", typ: BackupStarted},
		{want: "DirRecorded", typ: DirRecorded},
		{want: "FileRecorded", typ: FileRecorded},
		{want: "BackupComplete", typ: BackupComplete},
		{want: "RestoreStarted", typ: RestoreStarted},
		{want: "DirRestored", typ: DirRestored},
		{want: "FileRestored", typ: FileRestored},
		{want: "RestoreComplete", typ: RestoreComplete},
		{want: "ScratchErased", typ: ScratchErased},
		{want: "StageStarted", typ: StageStarted},
		{want: "StepApplied", typ: StepApplied},
		{want: "StepFailed", typ: StepFailed},
		{want: "StepSkipped", typ: StepSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
	assert.Equal(t, "Unknown", Type(0).String())
}

func TestEmit_StampsAndDelivers(t *testing.T) {
	ch := make(chan Event, 1)
	Emit(ch, Event{Type: StepFailed, Path: "drop-cache", Version: 3, Error: errors.New("boom")})

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, StepFailed, e.Type)
	assert.Equal(t, uint32(3), e.Version)
	assert.False(t, e.Timestamp.IsZero())
	assert.EqualError(t, e.Error, "boom")
}

func TestEmit_NeverBlocks(t *testing.T) {
	ch := make(chan Event) // unbuffered, nobody reading
	Emit(ch, Event{Type: DirRecorded})
	Emit(nil, Event{Type: DirRecorded})
}
