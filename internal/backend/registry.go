package backend

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultEngine = "honggfuzz"

var registry = map[string]Engine{
	"honggfuzz": HonggfuzzEngine{},
	"hfuzz":     HonggfuzzEngine{},
}

// Registry exposes the available engines. Intended for inspection and tests.
func Registry() map[string]Engine {
	return registry
}

// Names lists the registered engine names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Select(name string) (Engine, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultEngine
	}
	if engine, ok := registry[key]; ok {
		return engine, nil
	}
	return nil, fmt.Errorf("unsupported engine %q (available: %s)", name, strings.Join(Names(), ", "))
}
