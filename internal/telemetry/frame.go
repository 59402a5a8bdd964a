package telemetry

import (
	"encoding/json"

	"codeberg.org/mutker/telesync/internal/errors"
)

// FrameType names a push channel message kind.
type FrameType string

const (
	FrameInitialStats   FrameType = "initial_stats"
	FramePeriodicUpdate FrameType = "periodic_update"
	FrameMQTTUpdate     FrameType = "mqtt_update"
)

// Frame is the push channel envelope.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Carries reports whether frames of this type hold a Snapshot.
func (t FrameType) Carries() bool {
	switch t {
	case FrameInitialStats, FramePeriodicUpdate, FrameMQTTUpdate:
		return true
	default:
		return false
	}
}

// DecodeFrame parses one push channel message. ok is false for well-formed
// frames of a type that carries no snapshot; those are meant to be skipped.
// Any malformed input yields an ErrParse error.
func DecodeFrame(payload []byte) (snap Snapshot, frameType FrameType, ok bool, err error) {
	errFactory := errors.New()

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Snapshot{}, "", false, errFactory.Wrap(ErrParse, err)
	}
	if frame.Type == "" {
		return Snapshot{}, "", false, errFactory.WithData(ErrParse, "frame without type")
	}
	if !frame.Type.Carries() {
		return Snapshot{}, frame.Type, false, nil
	}

	snap, err = DecodeSnapshot(frame.Data)
	if err != nil {
		return Snapshot{}, frame.Type, false, err
	}

	return snap, frame.Type, true, nil
}

// DecodeSnapshot parses and validates a bare snapshot document.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	errFactory := errors.New()

	if len(data) == 0 || string(data) == "null" {
		return Snapshot{}, errFactory.WithData(ErrParse, "empty snapshot")
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errFactory.Wrap(ErrParse, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, errFactory.Wrap(ErrParse, err)
	}

	return snap, nil
}

// EncodeFrame builds a push channel message for snap.
func EncodeFrame(frameType FrameType, snap Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Data: data})
}
