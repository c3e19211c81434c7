// Package protocol defines the WebSocket messages exchanged with stream
// clients and the remote dashboard.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Engine → client messages
	TypeLocalization MessageType = "localization" // Filtered position
	TypeStats        MessageType = "stats"        // Tracker statistics
	TypeError        MessageType = "error"        // Rejected command

	// Client → engine messages
	TypeMeasurements MessageType = "measurements" // Sound levels to localize
	TypeResetTrack   MessageType = "reset_track"  // Reinitialise a track filter

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// NewLocalizationMessage wraps a filtered result
func NewLocalizationMessage(result acoustic.LocalizationResult) (*Message, error) {
	return NewMessage(TypeLocalization, result)
}

// GetLocalization extracts a result from a localization message
func (m *Message) GetLocalization() (*acoustic.LocalizationResult, error) {
	var data acoustic.LocalizationResult
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// MeasurementsData carries sound levels for one track
type MeasurementsData struct {
	TrackID      string                 `json:"track_id,omitempty"`
	Measurements []acoustic.Measurement `json:"measurements"`
}

// NewMeasurementsMessage creates a measurements command
func NewMeasurementsMessage(trackID string, measurements []acoustic.Measurement) (*Message, error) {
	return NewMessage(TypeMeasurements, MeasurementsData{
		TrackID:      trackID,
		Measurements: measurements,
	})
}

// GetMeasurements extracts a measurements command from a message
func (m *Message) GetMeasurements() (*MeasurementsData, error) {
	var data MeasurementsData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ResetTrackData names the track to reinitialise
type ResetTrackData struct {
	TrackID string `json:"track_id"`
}

// GetResetTrack extracts a reset command from a message
func (m *Message) GetResetTrack() (*ResetTrackData, error) {
	var data ResetTrackData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ErrorData describes why a command was rejected
type ErrorData struct {
	Command MessageType `json:"command,omitempty"`
	Error   string      `json:"error"`
}

// NewErrorMessage reports a failed command back to its sender
func NewErrorMessage(command MessageType, err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Command: command, Error: err.Error()})
}
