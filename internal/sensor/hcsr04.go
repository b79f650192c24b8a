package sensor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const (
	// speed of sound in cm/s halved for the round trip
	soundCmPerSecond = 17150

	triggerPulse   = 10 * time.Microsecond
	settleTime     = 50 * time.Millisecond
	defaultTimeout = time.Second
)

// HCSR04 drives an HC-SR04 ultrasonic sensor over two GPIO pins (BCM numbering)
type HCSR04 struct {
	mu      sync.Mutex
	trig    gpio.PinIO
	echo    gpio.PinIO
	timeout time.Duration
}

// OpenHCSR04 initializes the host GPIO drivers and both pins
func OpenHCSR04(trigPin, echoPin int, timeout time.Duration) (*HCSR04, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("error initializing gpio host: %w", err)
	}

	trig := gpioreg.ByName(fmt.Sprintf("GPIO%d", trigPin))
	if trig == nil {
		return nil, fmt.Errorf("trigger pin GPIO%d not found", trigPin)
	}
	echo := gpioreg.ByName(fmt.Sprintf("GPIO%d", echoPin))
	if echo == nil {
		return nil, fmt.Errorf("echo pin GPIO%d not found", echoPin)
	}

	if err := trig.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("error configuring trigger pin: %w", err)
	}
	if err := echo.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("error configuring echo pin: %w", err)
	}
	time.Sleep(settleTime)

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HCSR04{trig: trig, echo: echo, timeout: timeout}, nil
}

// Distance fires one trigger pulse and times the echo.
// Returns ErrTimeout if either echo edge does not arrive in time.
func (s *HCSR04) Distance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.trig.Out(gpio.High); err != nil {
		return 0, fmt.Errorf("error raising trigger: %w", err)
	}
	time.Sleep(triggerPulse)
	if err := s.trig.Out(gpio.Low); err != nil {
		return 0, fmt.Errorf("error lowering trigger: %w", err)
	}

	if err := s.waitFor(ctx, gpio.High); err != nil {
		return 0, err
	}
	pulseStart := time.Now()

	if err := s.waitFor(ctx, gpio.Low); err != nil {
		return 0, err
	}
	pulse := time.Since(pulseStart)

	return math.Round(pulse.Seconds()*soundCmPerSecond*100) / 100, nil
}

func (s *HCSR04) waitFor(ctx context.Context, level gpio.Level) error {
	start := time.Now()
	for s.echo.Read() != level {
		if time.Since(start) > s.timeout {
			return ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Halt releases both pins
func (s *HCSR04) Halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.trig.Halt(); err != nil {
		return err
	}
	return s.echo.Halt()
}
