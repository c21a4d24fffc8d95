package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validatorInstance is shared so struct metadata is cached across loads.
var validatorInstance = validator.New()

// validate checks the merged configuration against its field tags plus the
// cross-field rules the tags cannot express.
func (c *Config) validate() error {
	if err := validatorInstance.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("config: backoff ceiling %s is below the initial delay %s",
			c.Backoff.Max.Std(), c.Backoff.Initial.Std())
	}
	return nil
}
