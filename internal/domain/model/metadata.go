package model

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const metadataTag = "rewards-metadata"

var metadataPattern = regexp.MustCompile(`<!--\s*` + metadataTag + `\s+([\s\S]*?)\s*-->`)

// RunMetadata is embedded in posted summaries so later runs can tell how
// earlier ones settled.
type RunMetadata struct {
	RunID       string                `json:"runId"`
	PayoutModes map[string]PayoutMode `json:"payoutModes"`
}

// Encode renders m as a hidden HTML comment.
func (m RunMetadata) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return "<!-- " + metadataTag + " " + string(raw) + " -->", nil
}

// ExtractMetadata returns the last metadata block found in body.
func ExtractMetadata(body string) (RunMetadata, bool) {
	matches := metadataPattern.FindAllStringSubmatch(body, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var m RunMetadata
		if err := json.Unmarshal([]byte(matches[i][1]), &m); err == nil {
			return m, true
		}
	}
	return RunMetadata{}, false
}

// Mode reports the strongest payout mode recorded: transfer wins over permit.
func (m RunMetadata) Mode() PayoutMode {
	mode := PayoutNone
	for _, pm := range m.PayoutModes {
		switch pm {
		case PayoutTransfer:
			return PayoutTransfer
		case PayoutPermit:
			mode = PayoutPermit
		}
	}
	return mode
}
