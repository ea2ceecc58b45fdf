package messages

import (
	"crossing/traffic"
	"crossing/util/config"
	"errors"
	"fmt"
)

var ErrBadMessage = errors.New("malformed message")

// MessageType identifies what a vehicle message means
type MessageType int

const (
	RequestOrNotify MessageType = iota // gate -> light, light -> light; carries a vehicle
	Grant                              // light -> gate; fixed token
)

// the grant travels as a digit that no vehicle ordinal uses
const grantToken = '9'

// Message is what travels over the reliable channel. It carries no
// session or sequence identifier of its own.
type Message struct {
	Type    MessageType
	Vehicle traffic.Vehicle
}

func NewRequest(v traffic.Vehicle) Message {
	return Message{Type: RequestOrNotify, Vehicle: v}
}

func NewGrant() Message {
	return Message{Type: Grant}
}

func (m Message) String() string {
	if m.Type == Grant {
		return "grant"
	}
	return "notify(" + m.Vehicle.String() + ")"
}

// Encode renders the message as a NUL terminated decimal digit, two bytes.
func (m Message) Encode() []byte {
	buf := make([]byte, config.MESSAGE_SIZE)
	if m.Type == Grant {
		buf[0] = grantToken
	} else {
		buf[0] = byte('0' + int(m.Vehicle))
	}
	return buf
}

func Decode(b []byte) (Message, error) {
	if len(b) == 0 || len(b) > config.MESSAGE_SIZE {
		return Message{}, fmt.Errorf("%w: length %d", ErrBadMessage, len(b))
	}
	if len(b) == config.MESSAGE_SIZE && b[1] != 0 {
		return Message{}, fmt.Errorf("%w: %q", ErrBadMessage, b)
	}
	if b[0] == grantToken {
		return NewGrant(), nil
	}
	v := traffic.Vehicle(int(b[0]) - '0')
	if !v.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrBadMessage, b)
	}
	return NewRequest(v), nil
}

// MeasurementKind is the sensor a measurement comes from
type MeasurementKind byte

const (
	Temperature MeasurementKind = 'T'
	Humidity    MeasurementKind = 'H'
)

func (k MeasurementKind) String() string {
	if k == Temperature {
		return "temperature"
	}
	return "humidity"
}

// Measurement is broadcast by every node after a sampling burst
type Measurement struct {
	Kind  MeasurementKind
	Value int
}

func (m Measurement) Encode() ([]byte, error) {
	return Marshal(m)
}

func DecodeMeasurement(b []byte) (Measurement, error) {
	var m Measurement
	if err := Unmarshal(b, &m); err != nil {
		return Measurement{}, err
	}
	if m.Kind != Temperature && m.Kind != Humidity {
		return Measurement{}, fmt.Errorf("%w: measurement kind %q", ErrBadMessage, m.Kind)
	}
	return m, nil
}
