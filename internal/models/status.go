package models

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Reading is one iteration's measurement. It is never persisted.
type Reading struct {
	WasteLevel   int     `json:"wasteLevel"`   // percent, 0-100
	WeightLevel  float64 `json:"weightLevel"`  // kg, >= 0
	BatteryLevel int     `json:"batteryLevel"` // percent, 0-100
}

// StatusMessage is published on trashbin/{id}/status every iteration
type StatusMessage struct {
	Trashbin TrashbinSnapshot `json:"trashbin"`
	Status   Reading          `json:"status"`
}

// NewStatusMessage builds the message from the final in-memory bin and the reading
func NewStatusMessage(bin Trashbin, reading Reading) StatusMessage {
	return StatusMessage{
		Trashbin: bin.ToSnapshot(),
		Status:   reading,
	}
}

// Encode serializes the message the way subscribers expect it (indented JSON)
func (m StatusMessage) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// DecodeStatusMessage parses a payload received from the broker
func DecodeStatusMessage(payload []byte) (StatusMessage, error) {
	var m StatusMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return StatusMessage{}, fmt.Errorf("error decoding status message: %w", err)
	}
	return m, nil
}

// StatusTopic returns the topic a bin publishes its status on
func StatusTopic(binID string) string {
	return fmt.Sprintf("trashbin/%s/status", binID)
}

// StatusTopicFilter matches the status topic of every bin
const StatusTopicFilter = "trashbin/+/status"

// BinIDFromTopic extracts the bin id from a status topic.
// Returns false if the topic is not a status topic.
func BinIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "trashbin" || parts[2] != "status" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
