package engine

import (
	"github.com/spaghettifunk/rtcore/engine/config"
)

type ApplicationConfig struct {
	// The application name, used in logs.
	Name string
	// Effective configuration. Nil means config.Default().
	Config *config.Config
	// Compiled shader library bound to the standard exports. Nil selects the
	// reference library of the software driver.
	ShaderLibrary []byte
}
