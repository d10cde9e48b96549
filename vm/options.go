package vm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// Engine options
// ---------------------------------------------------------------------------

// Options configures one Vm instance. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	// MaxCallDepth bounds the frame stack. Exceeding it is a fatal
	// StackOverflow.
	MaxCallDepth int `toml:"max-call-depth"`

	// StackReserve is the initial operand stack capacity in slots.
	StackReserve int `toml:"stack-reserve"`

	// Fuel is the instruction budget: 0 means unlimited; otherwise the Vm
	// suspends with SuspendFuel when the budget runs out, and the host
	// decides whether to Refuel and Resume.
	Fuel int64 `toml:"fuel"`

	// Trace enables per-call debug logging through the package logger.
	Trace bool `toml:"trace"`
}

// DefaultOptions returns the standard limits.
func DefaultOptions() Options {
	return Options{
		MaxCallDepth: 1024,
		StackReserve: 256,
	}
}

// LoadOptions reads options from a TOML file, applying defaults for any
// key the file omits.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if opts.MaxCallDepth <= 0 {
		return opts, fmt.Errorf("%s: max-call-depth must be positive", path)
	}
	if opts.StackReserve < 0 {
		return opts, fmt.Errorf("%s: stack-reserve must not be negative", path)
	}
	if opts.Fuel < 0 {
		return opts, fmt.Errorf("%s: fuel must not be negative", path)
	}
	return opts, nil
}
