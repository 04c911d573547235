package store

import (
	"sync"
	"time"
)

const (
	SwitchOn      = "on"
	SwitchOff     = "off"
	SwitchUnknown = "unknown"
)

// Identity is what a device reports about itself. Learned from the first
// frame that carries the fields; later frames may refresh it, the most
// recent non-empty value wins.
type Identity struct {
	DeviceID string
	APIKey   string
}

// Snapshot is the last reported relay state. Deliberately volatile: the
// cache holds no history and everything resets to unknown on restart.
type Snapshot struct {
	Switch    string     `json:"switch"`
	Power     *float64   `json:"power,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type deviceRecord struct {
	apiKey string
	snap   Snapshot
}

// Cache is the in-memory view of all devices the gateway has heard from,
// keyed by deviceid. Shared by every session and the control facade.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]*deviceRecord
	recent  string
}

func NewCache() *Cache {
	return &Cache{devices: map[string]*deviceRecord{}}
}

// UpdateIdentity records the identity from an inbound frame. An empty
// deviceid is ignored; an empty apikey keeps the previously seen one.
func (c *Cache) UpdateIdentity(deviceID, apiKey string) {
	if deviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.ensure(deviceID)
	if apiKey != "" {
		rec.apiKey = apiKey
	}
	c.recent = deviceID
}

// UpdateState applies the switch/power values of an update frame. Absent
// values (empty switch, nil power) leave the previous ones in place.
func (c *Cache) UpdateState(deviceID, switchState string, power *float64) {
	if deviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.ensure(deviceID)
	if switchState != "" {
		rec.snap.Switch = switchState
	}
	if power != nil {
		p := *power
		rec.snap.Power = &p
	}
	now := time.Now().UTC()
	rec.snap.UpdatedAt = &now
	c.recent = deviceID
}

// Identity returns the cached identity. An empty deviceID addresses the
// most recently seen device.
func (c *Cache) Identity(deviceID string) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if deviceID == "" {
		deviceID = c.recent
	}
	rec, ok := c.devices[deviceID]
	if !ok {
		return Identity{}, false
	}
	return Identity{DeviceID: deviceID, APIKey: rec.apiKey}, true
}

// State returns the last reported snapshot, never blocking and never
// failing: unknown defaults are returned for devices never observed.
func (c *Cache) State(deviceID string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if deviceID == "" {
		deviceID = c.recent
	}
	rec, ok := c.devices[deviceID]
	if !ok {
		return Snapshot{Switch: SwitchUnknown}
	}
	snap := rec.snap
	if snap.Power != nil {
		p := *snap.Power
		snap.Power = &p
	}
	return snap
}

// Devices lists every deviceid the cache has seen since startup.
func (c *Cache) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.devices))
	for id := range c.devices {
		out = append(out, id)
	}
	return out
}

func (c *Cache) ensure(deviceID string) *deviceRecord {
	rec, ok := c.devices[deviceID]
	if !ok {
		rec = &deviceRecord{snap: Snapshot{Switch: SwitchUnknown}}
		c.devices[deviceID] = rec
	}
	return rec
}
