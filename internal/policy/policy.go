// Package policy is the host-supplied YAML configuration for the core
// (ambient stack): fault handling, device quirks, and the few Open
// Questions spec.md left for the embedding kernel to decide, following
// the same struct-tag-plus-normalize pattern as the teacher's bundle
// metadata loader.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultQueueSizeOrder = 0

// Config is the root policy document.
type Config struct {
	// PanicOnFault aborts the host on a remap unit's first primary fault
	// instead of logging and continuing. Default false: log (spec §9 Open
	// Question 3).
	PanicOnFault bool `yaml:"panicOnFault,omitempty"`

	// MapIGPU controls whether the integrated GPU's stolen-memory window is
	// given its own IOMMU domain, matching the original source's special
	// casing of that device.
	MapIGPU bool `yaml:"mapIGPU,omitempty"`

	// QueueSizeOrder sizes every remap unit's invalidation queue: 256 <<
	// QueueSizeOrder descriptor slots.
	QueueSizeOrder uint8 `yaml:"queueSizeOrder,omitempty"`

	// HotPlugDebounceMS overrides the bridge engine's presence-change
	// debounce window (spec §4.10, default 2000ms).
	HotPlugDebounceMS uint32 `yaml:"hotPlugDebounceMS,omitempty"`

	// Devices maps a "vendor:device" hex id pair (e.g. "8086:1616") to
	// per-device quirks.
	Devices map[string]DeviceQuirk `yaml:"devices,omitempty"`
}

// DeviceQuirk overrides default enumeration/power behavior for one
// vendor:device pair.
type DeviceQuirk struct {
	// DisableASPM forces both ASPM link-control bits off regardless of
	// what the three-source resolution (§4.11) would otherwise pick.
	DisableASPM bool `yaml:"disableASPM,omitempty"`
	// SkipAER leaves the AER capability uninitialized (no error reporting
	// programmed), for devices known to misbehave under it.
	SkipAER bool `yaml:"skipAER,omitempty"`
	// ForceD3Cold treats the device as always safe to fully power down
	// between uses instead of consulting its power-capability bits.
	ForceD3Cold bool `yaml:"forceD3Cold,omitempty"`
	// SleepLinkDisable sets LinkControl.LinkDisable while saving this
	// function's configuration shadow for sleep (spec §4.9 save step 4).
	SleepLinkDisable bool `yaml:"sleepLinkDisable,omitempty"`
	// SleepReset pulses a secondary-bus reset via BridgeControl.SBR while
	// saving; only meaningful on a bridge function.
	SleepReset bool `yaml:"sleepReset,omitempty"`
	// WakeL1PMDisable masks L1 PM Substates enables and LinkControl's
	// CLKREQ# bit (LinkControl[8]) while saving, so the link cannot drop
	// into L1 substates immediately on wake, before the driver has had a
	// chance to reprogram them.
	WakeL1PMDisable bool `yaml:"wakeL1PMDisable,omitempty"`
}

func (c *Config) normalize() {
	if c.HotPlugDebounceMS == 0 {
		c.HotPlugDebounceMS = 2000
	}
}

// Load reads and parses a policy document from path, applying defaults
// to any field the document left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	cfg.normalize()
	return &cfg, nil
}

// Default returns the zero-value policy with defaults applied, for hosts
// that embed the core without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.normalize()
	return cfg
}

// QuirkFor looks up a device's quirk entry by its vendor:device id pair,
// formatted as four lowercase hex digits each (e.g. "8086:1616").
func (c *Config) QuirkFor(vendor, device uint16) (DeviceQuirk, bool) {
	key := fmt.Sprintf("%04x:%04x", vendor, device)
	q, ok := c.Devices[key]
	return q, ok
}
