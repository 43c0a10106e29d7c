package config

import (
	"fmt"
)

// Config fully determines the shapes of the pool's raw and parameter
// storage buffers.
type Config struct {
	NumLayers int
	NumHeads  int
	HeadDim   int
	Capacity  int // total number of blocks in the pool
	BlockLen  int // positions per block

	RopeTheta float32
}

func (c *Config) Validate() error {
	if c.NumLayers <= 0 {
		return fmt.Errorf("invalid num_layers: %d (must be positive)", c.NumLayers)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be even for nibble packing and rotary pairing)", c.HeadDim)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("invalid capacity: %d (must be positive)", c.Capacity)
	}
	if c.BlockLen <= 0 {
		return fmt.Errorf("invalid block_len: %d (must be positive)", c.BlockLen)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	return nil
}

// MaxPositions returns the total number of cache positions the pool can hold.
func (c *Config) MaxPositions() int {
	return c.Capacity * c.BlockLen
}

func Default() Config {
	return Config{
		BlockLen:  16,
		RopeTheta: 10000.0,
	}
}
