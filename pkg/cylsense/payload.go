package cylsense

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
)

// historySentinel is sent by some firmware revisions instead of an empty
// payload once the history buffer is exhausted
const historySentinel = "EOD"

// Wire payloads exchanged with the sensor. All characteristics carry compact
// JSON documents. Required fields are tracked as pointers to tell a missing
// field from a zero value.
type (
	weightPayload struct {
		W *float64 `json:"w"`
	}

	inclinationPayload struct {
		P *float64 `json:"p"`
		R *float64 `json:"r"`
	}

	historyEntryPayload struct {
		W *float64 `json:"w"`
		T *uint64  `json:"t"`
	}

	tarePayload struct {
		Tare int `json:"tare"`
	}

	calibrationPayload struct {
		Cal float64 `json:"cal"`
	}
)

func decodeWeight(data []byte) (gas.WeightSample, error) {
	var payload weightPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return gas.WeightSample{}, &gas.DecodeError{Characteristic: weightCharacteristic, Err: err}
	}
	if payload.W == nil {
		return gas.WeightSample{}, &gas.DecodeError{Characteristic: weightCharacteristic, Err: errors.New("missing field `w`")}
	}

	return gas.WeightSample{
		TimeStamp: time.Now(),
		TotalKg:   *payload.W,
	}, nil
}

func decodeInclination(data []byte) (gas.InclinationSample, error) {
	var payload inclinationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return gas.InclinationSample{}, &gas.DecodeError{Characteristic: inclinationCharacteristic, Err: err}
	}
	if payload.P == nil || payload.R == nil {
		return gas.InclinationSample{}, &gas.DecodeError{Characteristic: inclinationCharacteristic, Err: errors.New("missing field `p` / `r`")}
	}

	return gas.InclinationSample{
		TimeStamp: time.Now(),
		PitchDeg:  *payload.P,
		RollDeg:   *payload.R,
	}, nil
}

// decodeHistory parses a history batch. An empty payload, an empty JSON array
// or the end-of-data sentinel all signal an exhausted history buffer and yield
// zero entries.
func decodeHistory(data []byte) ([]gas.HistoryEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == historySentinel {
		return nil, nil
	}

	var payload []historyEntryPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, &gas.DecodeError{Characteristic: historyCharacteristic, Err: err}
	}

	entries := make([]gas.HistoryEntry, 0, len(payload))
	for _, entry := range payload {
		if entry.W == nil || entry.T == nil {
			return nil, &gas.DecodeError{Characteristic: historyCharacteristic, Err: errors.New("history entry missing field `w` / `t`")}
		}
		entries = append(entries, gas.HistoryEntry{
			WeightKg:  *entry.W,
			ElapsedMs: *entry.T,
		})
	}

	return entries, nil
}

func encodeTare() []byte {
	data, _ := json.Marshal(tarePayload{Tare: 1})
	return data
}

// encodeCalibration emits the calibration command. knownKg must be finite
// (enforced by the caller).
func encodeCalibration(knownKg float64) []byte {
	data, _ := json.Marshal(calibrationPayload{Cal: knownKg})
	return data
}
