// Package sensor reads the temperature/humidity sensor of a node and turns
// raw readings into the values that are broadcast to the sink.
package sensor

import (
	"crossing/radio/messages"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Raw is one reading straight from the sensor.
type Raw struct {
	Temperature int
	Humidity    int
}

type Source interface {
	Read() (Raw, error)
}

// Celsius converts a raw temperature reading to whole degrees.
func Celsius(raw int) int {
	return (raw/10 - 396) / 10
}

// RelativeHumidity linearises a raw humidity reading.
func RelativeHumidity(raw int) int {
	h := float64(raw)
	return int(-4 + 0.0405*h - 2.8e-6*h*h)
}

// Compensate corrects a linearised humidity for the temperature it was
// measured at.
func Compensate(humidity, celsius, raw int) int {
	return int(float64(celsius-25)*(0.01+0.00008*float64(raw)) + float64(humidity))
}

// Burst reads src once and returns the temperature and the compensated
// humidity, in that order.
func Burst(src Source) ([]messages.Measurement, error) {
	raw, err := src.Read()
	if err != nil {
		return nil, fmt.Errorf("read sensor: %w", err)
	}
	t := Celsius(raw.Temperature)
	h := Compensate(RelativeHumidity(raw.Humidity), t, raw.Humidity)
	return []messages.Measurement{
		{Kind: messages.Temperature, Value: t},
		{Kind: messages.Humidity, Value: h},
	}, nil
}

// Simulated produces readings that drift around a fixed climate.
type Simulated struct {
	mu   sync.Mutex
	rng  *rand.Rand
	temp int
	hum  int
}

// NewSimulated returns a source centred on celsius and roughly humidity
// percent, seeded so that runs are repeatable.
func NewSimulated(celsius, humidity int, seed uint64) *Simulated {
	return &Simulated{
		rng:  rand.New(rand.NewPCG(seed, seed^0x5eed)),
		temp: (celsius*10 + 396) * 10,
		hum:  humidity * 30,
	}
}

func (s *Simulated) Read() (Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Raw{
		Temperature: s.temp + s.rng.IntN(41) - 20,
		Humidity:    s.hum + s.rng.IntN(61) - 30,
	}, nil
}

// Fixed always returns the same reading.
type Fixed Raw

func (f Fixed) Read() (Raw, error) {
	return Raw(f), nil
}
