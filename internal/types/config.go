/*
 * Copyright 2025 Alexandre Mahdhaoui
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package types

import (
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"sigs.k8s.io/yaml"
)

// -------------------------------------------------------------------
// -- CONFIG
// -------------------------------------------------------------------

type RebalancePolicy string

const (
	PolicyNone      RebalancePolicy = "none"
	PolicyThreshold RebalancePolicy = "threshold"
	PolicyExtremes  RebalancePolicy = "extremes"
)

type EndpointConfig struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
}

type ServerConfig struct {
	IP     string  `json:"ip"`
	MAC    string  `json:"mac"`
	Weight float64 `json:"weight"`
	// Port 0 means the NORMAL port.
	Port uint32 `json:"port"`
}

type RebalanceConfig struct {
	Policy RebalancePolicy `json:"policy"`
	// Interval between two counter requests.
	Interval Duration `json:"interval"`
	// ReplyTimeout bounds the wait for a counter reply. Zero means the
	// interval is used.
	ReplyTimeout       Duration `json:"replyTimeout"`
	MinSampleThreshold float64  `json:"minSampleThreshold"`
	OverloadFactor     float64  `json:"overloadFactor"`
	MaxShiftFraction   float64  `json:"maxShiftFraction"`
	// Seed of the pseudo random source used by the extremes policy. Zero
	// means time based.
	Seed uint64 `json:"seed"`
}

type Config struct {
	LogLevel    string `json:"logLevel"`
	MetricsAddr string `json:"metricsAddr"`

	Virtual EndpointConfig `json:"virtual"`
	// Subnet is the partitioned address space. Empty means the whole ipv4
	// address space.
	Subnet  string         `json:"subnet"`
	Servers []ServerConfig `json:"servers"`

	Rebalance RebalanceConfig `json:"rebalance"`
}

// Duration decodes strings such as "5s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// -------------------------------------------------------------------
// -- DEFAULTS
// -------------------------------------------------------------------

const (
	DefaultInterval           = 5 * time.Second
	DefaultMinSampleThreshold = 10
	DefaultOverloadFactor     = 1.5
	DefaultMaxShiftFraction   = 0.5
)

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Rebalance.Policy == "" {
		c.Rebalance.Policy = PolicyThreshold
	}

	if c.Rebalance.Interval.Duration == 0 {
		c.Rebalance.Interval.Duration = DefaultInterval
	}

	if c.Rebalance.MinSampleThreshold == 0 {
		c.Rebalance.MinSampleThreshold = DefaultMinSampleThreshold
	}

	if c.Rebalance.OverloadFactor == 0 {
		c.Rebalance.OverloadFactor = DefaultOverloadFactor
	}

	if c.Rebalance.MaxShiftFraction == 0 {
		c.Rebalance.MaxShiftFraction = DefaultMaxShiftFraction
	}
}

// -------------------------------------------------------------------
// -- GetConfig
// -------------------------------------------------------------------

func GetConfig(filepath string) (Config, error) {
	var (
		b   []byte
		err error
	)

	if filepath == "-" { // read from stdin
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(filepath)
	}

	if err != nil {
		return Config{}, flaterrors.Join(err, ErrReadingConfig)
	}

	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	out := Config{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return Config{}, flaterrors.Join(err, ErrReadingConfig)
	}

	out.setDefaults()
	return out, nil
}

// -------------------------------------------------------------------
// -- Validate
// -------------------------------------------------------------------

func (c Config) Validate() error {
	if len(c.Servers) == 0 {
		return flaterrors.Join(ErrAtLeastOneServerIsRequired, ErrInvalidConfig)
	}

	if net.ParseIP(c.Virtual.IP).To4() == nil {
		return flaterrors.Join(ErrInvalidIPv4, ErrInvalidConfig)
	}

	if _, err := util.ParseIEEE802MAC(c.Virtual.MAC); err != nil {
		return flaterrors.Join(err, ErrInvalidConfig)
	}

	for _, s := range c.Servers {
		if net.ParseIP(s.IP).To4() == nil {
			return flaterrors.Join(ErrInvalidIPv4, ErrInvalidConfig)
		}

		if !(s.Weight > 0) || math.IsInf(s.Weight, 0) {
			return flaterrors.Join(ErrServerWeightMustBePositive, ErrInvalidConfig)
		}

		if s.MAC == "" {
			continue // resolved later.
		}

		if _, err := util.ParseIEEE802MAC(s.MAC); err != nil {
			return flaterrors.Join(err, ErrInvalidConfig)
		}
	}

	_, span, err := c.AddressSpace()
	if err != nil {
		return flaterrors.Join(err, ErrInvalidConfig)
	}

	if span < uint64(len(c.Servers)) {
		return flaterrors.Join(ErrSubnetTooSmall, ErrInvalidConfig)
	}

	switch c.Rebalance.Policy {
	case PolicyNone, PolicyThreshold, PolicyExtremes:
	default:
		return flaterrors.Join(ErrUnknownRebalancePolicy, ErrInvalidConfig)
	}

	if c.Rebalance.Interval.Duration <= 0 {
		return flaterrors.Join(ErrIntervalMustBePositive, ErrInvalidConfig)
	}

	if c.Rebalance.MaxShiftFraction <= 0 || c.Rebalance.MaxShiftFraction > 0.5 {
		return flaterrors.Join(ErrShiftFractionOutOfBounds, ErrInvalidConfig)
	}

	if c.Rebalance.OverloadFactor <= 1 {
		return flaterrors.Join(ErrOverloadFactorOutOfBounds, ErrInvalidConfig)
	}

	return nil
}

// AddressSpace returns the first address and the number of addresses of the
// partitioned address space.
func (c Config) AddressSpace() (uint32, uint64, error) {
	if c.Subnet == "" {
		return 0, 1 << 32, nil
	}

	_, ipnet, err := net.ParseCIDR(c.Subnet)
	if err != nil || ipnet.IP.To4() == nil {
		return 0, 0, ErrInvalidSubnet
	}

	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return 0, 0, ErrInvalidSubnet
	}

	return util.IPv4ToUint32(ipnet.IP), uint64(1) << (32 - ones), nil
}

// -------------------------------------------------------------------
// -- Endpoints
// -------------------------------------------------------------------

// Resolver returns the hardware address of an ipv4 neighbour.
type Resolver func(ip net.IP) (net.HardwareAddr, error)

// Endpoints converts a validated config into the virtual and server
// endpoints. Servers without a MAC are resolved with the resolver.
func (c Config) Endpoints(resolve Resolver) (VirtualEndpoint, []ServerEndpoint, error) {
	vmac, err := net.ParseMAC(c.Virtual.MAC)
	if err != nil {
		return VirtualEndpoint{}, nil, flaterrors.Join(err, ErrInvalidConfig)
	}

	virtual := VirtualEndpoint{
		IP:      net.ParseIP(c.Virtual.IP).To4(),
		MacAddr: vmac,
	}

	servers := make([]ServerEndpoint, len(c.Servers))
	for i, s := range c.Servers {
		ip := net.ParseIP(s.IP).To4()

		var mac net.HardwareAddr
		if s.MAC != "" {
			mac, err = net.ParseMAC(s.MAC)
		} else if resolve != nil {
			mac, err = resolve(ip)
		} else {
			err = ErrNotFound
		}

		if err != nil {
			return VirtualEndpoint{}, nil, flaterrors.Join(err, ErrCannotResolveHardwareAddr, ErrInvalidConfig)
		}

		port := s.Port
		if port == 0 {
			port = PortNormal
		}

		servers[i] = ServerEndpoint{
			IP:      ip,
			MacAddr: mac,
			Weight:  s.Weight,
			Port:    port,
		}
	}

	return virtual, servers, nil
}

// -------------------------------------------------------------------
// -- SlogLevel
// -------------------------------------------------------------------

func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Weights returns the configured weights ordered like the servers.
func (c Config) Weights() []float64 {
	out := make([]float64, len(c.Servers))
	for i, s := range c.Servers {
		out[i] = s.Weight
	}
	return out
}
