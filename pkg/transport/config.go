package transport

import (
	"time"

	"github.com/pkg/errors"

	"github.com/gamewire/gamewire/pkg/wire"
)

// Config holds the transport tunables. The defaults are chosen for
// interactive traffic; override them through the environment (see the env
// tags) or directly.
type Config struct {
	// WindowSize is the number of reliable packets that may be in flight.
	// Must be a power of two so that slot indexing stays consistent when
	// the 16-bit sequence space wraps.
	WindowSize int `env:"GAMEWIRE_WINDOW_SIZE,default=128"`

	// RetransmissionTimeout is how long the sender waits for an ack before
	// retransmitting a reliable packet.
	RetransmissionTimeout time.Duration `env:"GAMEWIRE_RETRANSMISSION_TIMEOUT,default=80ms"`

	// MaxRetransmissions bounds the retransmissions of a single sequence;
	// once exhausted the slot is abandoned and the window moves on.
	MaxRetransmissions int `env:"GAMEWIRE_MAX_RETRANSMISSIONS,default=10"`

	// SkipTimeout bounds head-of-line blocking at the receiver: a missing
	// sequence is given up on (and acked anyway) after this long.
	SkipTimeout time.Duration `env:"GAMEWIRE_SKIP_TIMEOUT,default=200ms"`

	// CloseTimeout bounds the drain wait in Sender.Close.
	CloseTimeout time.Duration `env:"GAMEWIRE_CLOSE_TIMEOUT,default=2s"`
}

// DefaultConfig returns the tunables at their spec'd defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:            128,
		RetransmissionTimeout: 80 * time.Millisecond,
		MaxRetransmissions:    10,
		SkipTimeout:           200 * time.Millisecond,
		CloseTimeout:          2 * time.Second,
	}
}

func (c *Config) validate() error {
	w := c.WindowSize
	if w <= 0 || w&(w-1) != 0 {
		return errors.Errorf("window size %d is not a positive power of two", w)
	}
	if w*2 > wire.MaxSeq {
		return errors.Errorf("window size %d exceeds half the sequence space", w)
	}
	if c.RetransmissionTimeout <= 0 || c.SkipTimeout <= 0 || c.CloseTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.MaxRetransmissions < 0 {
		return errors.New("max retransmissions must not be negative")
	}
	return nil
}
