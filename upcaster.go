package eventflow

import (
	"fmt"
	"sync"
)

// Upcaster transforms a payload stored at one schema version into the shape
// of the next version. Stored records are never rewritten; upcasting happens
// at read time only.
type Upcaster func(payload []byte) ([]byte, error)

// UpcasterChain holds the registered upcast steps per event type, keyed by
// the schema version they read. A record at schema version v is passed
// through the steps v, v+1, ... until it reaches the current version.
type UpcasterChain struct {
	mu      sync.RWMutex
	steps   map[string]map[int]Upcaster
	current map[string]int
}

// NewUpcasterChain creates an empty chain. Event types without registered
// steps are at schema version 1.
func NewUpcasterChain() *UpcasterChain {
	return &UpcasterChain{
		steps:   make(map[string]map[int]Upcaster),
		current: make(map[string]int),
	}
}

// Register adds the upcast step that lifts typeName payloads from
// fromVersion to fromVersion+1. Registering the same step twice fails.
func (c *UpcasterChain) Register(typeName string, fromVersion int, fn Upcaster) error {
	if fn == nil {
		return fmt.Errorf("upcaster for %s v%d: nil function", typeName, fromVersion)
	}
	if fromVersion < 1 {
		return fmt.Errorf("upcaster for %s: schema versions start at 1, got %d", typeName, fromVersion)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	byVersion, ok := c.steps[typeName]
	if !ok {
		byVersion = make(map[int]Upcaster)
		c.steps[typeName] = byVersion
	}
	if _, exists := byVersion[fromVersion]; exists {
		return fmt.Errorf("upcaster for %s v%d: %w", typeName, fromVersion, ErrDuplicateHandler)
	}
	byVersion[fromVersion] = fn

	if fromVersion+1 > c.current[typeName] {
		c.current[typeName] = fromVersion + 1
	}
	return nil
}

// CurrentVersion returns the schema version the running code expects for the
// given event type.
func (c *UpcasterChain) CurrentVersion(typeName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.current[typeName]; ok {
		return v
	}
	return 1
}

// Upcast lifts a stored payload from schemaVersion to the current version,
// applying each registered step in order. It fails with
// *UnknownSchemaVersionError when a step is missing.
func (c *UpcasterChain) Upcast(typeName string, schemaVersion int, payload []byte) ([]byte, int, error) {
	if schemaVersion < 1 {
		schemaVersion = 1
	}

	c.mu.RLock()
	target := c.current[typeName]
	if target == 0 {
		target = 1
	}
	byVersion := c.steps[typeName]
	c.mu.RUnlock()

	for v := schemaVersion; v < target; v++ {
		fn, ok := byVersion[v]
		if !ok {
			return nil, v, &UnknownSchemaVersionError{TypeName: typeName, SchemaVersion: v}
		}
		next, err := fn(payload)
		if err != nil {
			return nil, v, fmt.Errorf("upcast %s v%d: %w", typeName, v, err)
		}
		payload = next
	}
	return payload, target, nil
}
