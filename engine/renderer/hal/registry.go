package hal

import (
	"fmt"
	"sort"
	"sync"
)

// DriverFactory creates a new driver instance.
type DriverFactory func() Driver

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]DriverFactory)
)

// Register makes a driver available by name. Driver packages call it from
// init(); registering the same name twice replaces the factory.
func Register(name string, factory DriverFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	drivers[name] = factory
}

// Unregister removes a driver. Used by tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(drivers, name)
}

// Available returns the sorted names of the registered drivers.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := drivers[name]
	return ok
}

// Get returns a new instance of the named driver.
func Get(name string) (Driver, error) {
	registryMu.RLock()
	factory, ok := drivers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrDriverNotFound, name, Available())
	}
	return factory(), nil
}
