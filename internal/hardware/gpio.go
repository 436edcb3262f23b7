package hardware

import (
	"context"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const gpioConsumer = "tripwired"

// inputLine is the part of a requested GPIO line the sensor reads.
type inputLine interface {
	Value() (int, error)
	Close() error
}

// LineConfig selects the GPIO line a motion sensor is wired to.
type LineConfig struct {
	// Chip is the gpiochip name or path. When empty the line is looked up
	// by its name, GPIO<Offset>, across all chips.
	Chip string
	// Offset is the line offset; on Raspberry Pi header chips it equals the
	// BCM pin number.
	Offset int
}

// CdevMotionSensor reads a PIR sensor through the GPIO character device.
// The line is requested as a pulled-down input on first read and
// re-requested after a read error. A value of 1 means motion.
type CdevMotionSensor struct {
	cfg LineConfig

	// seams for tests
	find    func(name string) (string, int, error)
	request func(chip string, offset int) (inputLine, error)

	mu     sync.Mutex
	line   inputLine
	chip   string
	offset int
}

func NewCdevMotionSensor(cfg LineConfig) *CdevMotionSensor {
	return &CdevMotionSensor{
		cfg:     cfg,
		find:    gpiocdev.FindLine,
		request: requestInput,
	}
}

func requestInput(chip string, offset int) (inputLine, error) {
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithConsumer(gpioConsumer))
	if err != nil {
		return nil, err
	}
	return line, nil
}

// MotionDetected implements MotionSensor.
func (s *CdevMotionSensor) MotionDetected(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line == nil {
		if err := s.open(); err != nil {
			return false, err
		}
	}
	v, err := s.line.Value()
	if err != nil {
		s.line.Close()
		s.line = nil
		return false, fmt.Errorf("%w: read %s line %d: %v", ErrGPIOUnavailable, s.chip, s.offset, err)
	}
	return v == 1, nil
}

func (s *CdevMotionSensor) open() error {
	chip, offset := s.cfg.Chip, s.cfg.Offset
	if chip == "" {
		name := fmt.Sprintf("GPIO%d", offset)
		var err error
		chip, offset, err = s.find(name)
		if err != nil {
			return fmt.Errorf("%w: find line %s: %v", ErrGPIOUnavailable, name, err)
		}
	}

	line, err := s.request(chip, offset)
	if err != nil {
		return fmt.Errorf("%w: request %s line %d: %v", ErrGPIOUnavailable, chip, offset, err)
	}
	s.line, s.chip, s.offset = line, chip, offset
	return nil
}

// Close releases the line.
func (s *CdevMotionSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.line == nil {
		return nil
	}
	err := s.line.Close()
	s.line = nil
	return err
}
