//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blesync/internal/link"
)

// ChannelConfig represents one exposed channel of a fake peer
type ChannelConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig groups channels the way a peer exposes them
type ServiceConfig struct {
	UUID     string          `json:"uuid"`
	Channels []ChannelConfig `json:"characteristics,omitempty"`
}

// PeerProfileConfig represents the complete fake peer
type PeerProfileConfig struct {
	MTU      int             `json:"mtu,omitempty"`
	MTUError string          `json:"mtu_error,omitempty"`
	Services []ServiceConfig `json:"services"`
}

// PeerBuilder builds a FakeTransport serving a configured peer profile
type PeerBuilder struct {
	profile PeerProfileConfig
}

// NewPeerBuilder creates an empty peer builder
func NewPeerBuilder() *PeerBuilder {
	return &PeerBuilder{}
}

// WithMTU sets the largest MTU the peer grants
func (b *PeerBuilder) WithMTU(mtu int) *PeerBuilder {
	b.profile.MTU = mtu
	return b
}

// WithMTUError makes the MTU request fail
func (b *PeerBuilder) WithMTUError(msg string) *PeerBuilder {
	b.profile.MTUError = msg
	return b
}

// WithService adds a service to the peer profile
func (b *PeerBuilder) WithService(uuid string) *PeerBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithChannel adds a channel to the last added service
func (b *PeerBuilder) WithChannel(uuid, properties string, value []byte) *PeerBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithChannel: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Channels = append(b.profile.Services[last].Channels, ChannelConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithBattery adds the Battery service with a notifiable level channel
func (b *PeerBuilder) WithBattery(level byte) *PeerBuilder {
	return b.WithService("180F").WithChannel("2A19", "read,notify", []byte{level})
}

// FromJSON fills the peer profile from JSON
func (b *PeerBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeerBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config PeerProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeerBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// Profile returns the configured profile
func (b *PeerBuilder) Profile() PeerProfileConfig {
	return b.profile
}

// Build creates a FakeTransport serving the configured profile
func (b *PeerBuilder) Build() *FakeTransport {
	return NewFakeTransport(b.profile)
}

// ParseProperties converts a comma separated property list to link.Property
// flags. An empty list means read,write,notify.
func ParseProperties(props string) link.Property {
	if strings.TrimSpace(props) == "" {
		return link.PropRead | link.PropWrite | link.PropNotify
	}

	var p link.Property
	for _, f := range strings.Split(props, ",") {
		switch strings.TrimSpace(strings.ToLower(f)) {
		case "read":
			p |= link.PropRead
		case "write":
			p |= link.PropWrite
		case "write-without-response", "write_nr":
			p |= link.PropWriteNoResponse
		case "notify":
			p |= link.PropNotify
		case "indicate":
			p |= link.PropIndicate
		default:
			panic(fmt.Sprintf("ParseProperties: unknown property %q", f))
		}
	}
	return p
}
