package clients

import (
	"fmt"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"github.com/maypok86/otter/v2"

	"lanmedia/work/config"
	"lanmedia/work/logger"
	"lanmedia/work/profiles"
)

const noMatch = -1

// compiledDevice is a device entry with its user-agent pattern compiled
type compiledDevice struct {
	config.DeviceProfile
	pattern *regexp.Regexp
}

// Matcher resolves client ids ("UserAgent/version@host") to the device entry
// that best describes them and reports the profiles that device accepts.
type Matcher struct {
	devices []compiledDevice
	best    *otter.Cache[string, int]
	log     *logger.Logger
}

// NewMatcher compiles the device entries. Entries whose pattern does not
// compile are skipped with an error log.
func NewMatcher(devices []config.DeviceProfile, cacheSize int, log *logger.Logger) *Matcher {
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	m := &Matcher{
		best: otter.Must(&otter.Options[string, int]{
			MaximumSize:      cacheSize,
			ExpiryCalculator: otter.ExpiryAccessing[string, int](time.Hour),
		}),
		log: log,
	}

	for _, dev := range devices {
		compiled, err := regexp.Compile("(?i)^(?:" + dev.UserAgent + ")$")
		if err != nil {
			log.Error("{clients/clients - NewMatcher} device %q: bad userAgent pattern %q: %v", dev.Name, dev.UserAgent, err)
			continue
		}
		m.devices = append(m.devices, compiledDevice{DeviceProfile: dev, pattern: compiled})
		log.Debug("{clients/clients - NewMatcher} device %q matches %q version %q", dev.Name, dev.UserAgent, dev.Version)
	}

	return m
}

// ParseClientID splits a client id into its user agent and upper-cased
// version. The host part after '@' is ignored.
func ParseClientID(clientID string) (userAgent, version string) {
	userAgent = clientID
	if at := strings.IndexByte(clientID, '@'); at >= 0 {
		userAgent = clientID[:at]
	}
	if sl := strings.LastIndexByte(userAgent, '/'); sl > 0 {
		version = strings.ToUpper(userAgent[sl+1:])
		userAgent = userAgent[:sl]
	}
	return userAgent, version
}

// ClientID builds the id of a requesting client.
func ClientID(userAgent, host string) string {
	if host == "" {
		return userAgent
	}
	return userAgent + "@" + host
}

// closer reports whether candidate is a better version match for client than
// best: the newest version not above the client, or the oldest one not below.
func closer(client, candidate, best string, haveBest bool) bool {
	if !haveBest || best == "" {
		return true
	}
	return (client >= candidate && candidate > best) ||
		(client <= candidate && candidate < best)
}

func (m *Matcher) find(clientID string) int {
	if clientID == "" || len(m.devices) == 0 {
		return noMatch
	}
	if idx, ok := m.best.GetIfPresent(clientID); ok {
		return idx
	}

	userAgent, version := ParseClientID(clientID)

	best, bestVersion := noMatch, ""
	if userAgent != "" {
		for i, dev := range m.devices {
			if !dev.pattern.MatchString(userAgent) {
				continue
			}
			if closer(version, dev.Version, bestVersion, best != noMatch) {
				best, bestVersion = i, dev.Version
			}
		}
	}

	m.best.Set(clientID, best)
	return best
}

// BestClient returns the name of the device entry chosen for clientID, or ""
// when none matches.
func (m *Matcher) BestClient(clientID string) string {
	idx := m.find(clientID)
	if idx == noMatch {
		return ""
	}
	dev := m.devices[idx]
	if dev.Version != "" {
		return fmt.Sprintf("%s/%s", dev.Name, dev.Version)
	}
	return dev.Name
}

// Supported returns the profile names the client's device accepts for kind.
// An empty result places no restriction.
func (m *Matcher) Supported(clientID string, kind profiles.Kind) []string {
	idx := m.find(clientID)
	if idx == noMatch {
		return nil
	}
	dev := m.devices[idx]
	switch kind {
	case profiles.KindAudio:
		return dev.AudioProfiles
	case profiles.KindVideo:
		return dev.VideoProfiles
	case profiles.KindImage:
		return dev.ImageProfiles
	}
	return nil
}

// Reset forgets every cached resolution.
func (m *Matcher) Reset() {
	m.best.InvalidateAll()
}
