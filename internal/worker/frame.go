package worker

import (
	"encoding/json"
	"strings"
)

// Worker wire contract.
//
// The coordinator writes one request frame per line on the worker's stdin:
//
//	{"id":7,"command":"open {\"path\":\"main.go\"}"}
//
// The worker answers with exactly one response frame per request on stdout:
//
//	{"id":7,"ok":true,"output":"..."}
//
// JSON string escaping guarantees a frame never contains a raw newline, so
// the newline is an unambiguous delimiter. Any stdout line that is not a
// response frame is treated as diagnostic output.

type requestFrame struct {
	ID      uint64 `json:"id"`
	Command string `json:"command"`
}

type responseFrame struct {
	ID     uint64 `json:"id"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func encodeRequest(id uint64, command string) ([]byte, error) {
	data, err := json.Marshal(requestFrame{ID: id, Command: command})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeResponse reports whether line is a response frame.
func decodeResponse(line string) (responseFrame, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return responseFrame{}, false
	}

	// ok is required, so arbitrary JSON log lines are not mistaken for frames.
	var head struct {
		ID *uint64 `json:"id"`
		OK *bool   `json:"ok"`
	}
	if err := json.Unmarshal([]byte(line), &head); err != nil || head.ID == nil || head.OK == nil {
		return responseFrame{}, false
	}

	var frame responseFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return responseFrame{}, false
	}
	return frame, true
}
