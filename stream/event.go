package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/justapithecus/promptopt/types"
)

// wireEvent mirrors the JSON object sent on each data line.
type wireEvent struct {
	Stage   string          `json:"stage"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message *string         `json:"message"`
	Error   string          `json:"error"`
	// FinalPrompt appears at the top level on the short-circuit
	// complete event sent when no optimization is needed.
	FinalPrompt *string `json:"final_prompt"`
}

var jsonNull = []byte("null")

// DecodeEvent parses one data payload into a normalized StreamEvent.
//
// Errors are always *FrameError and never fatal:
//   - FrameErrorDecode: payload is not a JSON object of the expected shape
//   - FrameErrorInvalid: stage is missing/empty or data is not an object
//
// Normalization:
//   - status "running" becomes in_progress
//   - a top-level final_prompt on the complete stage is moved into data
func DecodeEvent(payload []byte) (*types.StreamEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode event",
			Err:  err,
		}
	}

	if strings.TrimSpace(wire.Stage) == "" {
		return nil, &FrameError{
			Kind: FrameErrorInvalid,
			Msg:  "event has no stage",
		}
	}

	event := &types.StreamEvent{
		Stage:   wire.Stage,
		Status:  normalizeStatus(wire.Status),
		Message: wire.Message,
		Error:   wire.Error,
	}

	if raw := bytes.TrimSpace(wire.Data); len(raw) > 0 && !bytes.Equal(raw, jsonNull) {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, &FrameError{
				Kind: FrameErrorInvalid,
				Msg:  "event data for stage " + wire.Stage + " is not an object",
				Err:  err,
			}
		}
		event.Data = data
	}

	if wire.Stage == types.StageComplete && wire.FinalPrompt != nil {
		if event.Data == nil {
			event.Data = make(map[string]any, 1)
		}
		if _, ok := event.Data["final_prompt"]; !ok {
			event.Data["final_prompt"] = *wire.FinalPrompt
		}
	}

	return event, nil
}

func normalizeStatus(s string) types.EventStatus {
	status := types.EventStatus(strings.ToLower(strings.TrimSpace(s)))
	if status == types.StatusRunning {
		return types.StatusInProgress
	}
	return status
}
