/*
This is an example of application that will use the
engine package to render the testbed box scene
*/
package main

import (
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/rtcore/engine"
	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal/vulkan"
	"github.com/spaghettifunk/rtcore/testbed"
)

const defaultConfigPath = "config.toml"

func loadConfig() (*config.Config, error) {
	path := defaultConfigPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && len(os.Args) <= 1 {
		core.LogWarn("no %s found, using the default configuration", path)
		return config.Default(), nil
	}
	return cfg, err
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		core.LogFatal("invalid configuration: %s", err)
	}
	if err := core.LogSetLevel(cfg.Log.Level); err != nil {
		core.LogWarn("invalid log level %q: %s", cfg.Log.Level, err)
	}

	if cfg.Device.ProbeVulkan {
		// Diagnostic only: frames are still traced by the configured driver.
		if _, err := vulkan.Probe("rtcore testbed"); err != nil {
			core.LogWarn("vulkan probe failed: %s", err)
		}
	}

	tb, err := testbed.NewTestGame(cfg)
	if err != nil {
		core.LogFatal("%s", err)
	}

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("%s", err)
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("failed to initialize the engine: %s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	go func() {
		// the frame in flight completes before Run returns
		<-sigCh
		core.LogInfo("signal received, stopping after the current frame")
		e.Stop()
	}()

	runErr := e.Run()
	if err := errors.Join(runErr, e.Shutdown()); err != nil {
		core.LogFatal("%s", err)
	}
}
