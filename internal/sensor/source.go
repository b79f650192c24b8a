// Package sensor produces the per-iteration readings of a bin, either
// synthetically or from an ultrasonic distance sensor.
package sensor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"

	"binspire-simulator/internal/models"
)

// ErrTimeout is returned when the sensor does not answer within its timeout.
// Loops treat it as a skipped iteration, not a failure.
var ErrTimeout = errors.New("sensor: echo timeout")

// Source yields one reading per loop iteration
type Source interface {
	Read(ctx context.Context) (models.Reading, error)
}

// Synthetic draws uniformly random readings:
// waste 0-100 %, weight 0-maxWeight kg (2 decimals), battery 0-100 %.
type Synthetic struct {
	mu        sync.Mutex
	rng       *rand.Rand
	maxWeight float64
}

// NewSynthetic creates a synthetic source. A zero seed picks a random one.
func NewSynthetic(maxWeight float64, seed int64) *Synthetic {
	if seed == 0 {
		seed = rand.Int63()
	}
	if maxWeight <= 0 {
		maxWeight = 30
	}
	return &Synthetic{
		rng:       rand.New(rand.NewSource(seed)),
		maxWeight: maxWeight,
	}
}

func (s *Synthetic) Read(ctx context.Context) (models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return models.Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return models.Reading{
		WasteLevel:   s.rng.Intn(101),
		WeightLevel:  math.Round(s.rng.Float64()*s.maxWeight*100) / 100,
		BatteryLevel: s.rng.Intn(101),
	}, nil
}

// DistanceSensor measures the distance from the lid to the waste surface in cm
type DistanceSensor interface {
	Distance(ctx context.Context) (float64, error)
}

// Ultrasonic takes the waste level from a distance sensor and the remaining
// values from a synthetic source.
type Ultrasonic struct {
	sensor DistanceSensor
	synth  *Synthetic
}

func NewUltrasonic(sensor DistanceSensor, synth *Synthetic) *Ultrasonic {
	return &Ultrasonic{sensor: sensor, synth: synth}
}

func (u *Ultrasonic) Read(ctx context.Context) (models.Reading, error) {
	reading, err := u.synth.Read(ctx)
	if err != nil {
		return models.Reading{}, err
	}

	distance, err := u.sensor.Distance(ctx)
	if err != nil {
		return models.Reading{}, err
	}

	reading.WasteLevel = WasteLevelFromDistance(distance)
	return reading, nil
}

// WasteLevelFromDistance maps a distance in cm to a waste level percentage
func WasteLevelFromDistance(distance float64) int {
	level := math.Round(distance / 100 * 100)
	if level < 0 || math.IsNaN(level) {
		return 0
	}
	if level > 100 {
		return 100
	}
	return int(level)
}
