package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine kinds of a local domain.
const (
	EngineQueueing  = "queueing"
	EngineImmediate = "immediate"
)

// Transports of a remote domain.
const (
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

// Topology lists the domains a node routes to.
type Topology struct {
	Local  []LocalDomain  `yaml:"local" json:"local"`
	Remote []RemoteDomain `yaml:"remote" json:"remote"`
}

// LocalDomain is a processor hosted in this process.
type LocalDomain struct {
	Name          string        `yaml:"name" json:"name"`
	Sender        string        `yaml:"sender" json:"sender"`
	Engine        string        `yaml:"engine" json:"engine"`                         // "queueing" | "immediate"
	Flavor        string        `yaml:"flavor,omitempty" json:"flavor"`               // memory host flavor: "wasm" | "evm"
	TickInterval  time.Duration `yaml:"tick_interval,omitempty" json:"tick_interval"` // overrides XDOMAIN_TICK_INTERVAL
	DirectCallers []string      `yaml:"direct_callers,omitempty" json:"direct_callers,omitempty"`
	// Modules maps contract addresses to wasm files. When set the domain
	// runs on the wazero host instead of the in-memory one.
	Modules map[string]string `yaml:"modules,omitempty" json:"modules,omitempty"`
}

// RemoteDomain is reached over a connector.
type RemoteDomain struct {
	Name           string        `yaml:"name" json:"name"`
	CallbackSender string        `yaml:"callback_sender" json:"callback_sender"`
	Transport      string        `yaml:"transport" json:"transport"` // "redis" | "kafka"
	TTL            time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	Bridge         string        `yaml:"bridge,omitempty" json:"bridge,omitempty"`
}

// DefaultTopology is a single queueing domain, used when no file is given.
func DefaultTopology(domain string) *Topology {
	return &Topology{Local: []LocalDomain{{Name: domain, Sender: domain + "-processor", Engine: EngineQueueing, Flavor: "wasm"}}}
}

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return &t, nil
}

// Validate fills defaults and rejects duplicate or malformed domains.
func (t *Topology) Validate() error {
	seen := make(map[string]bool)
	claim := func(name string) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("domain name is required")
		}
		if seen[name] {
			return fmt.Errorf("domain %q listed twice", name)
		}
		seen[name] = true
		return nil
	}
	for i := range t.Local {
		d := &t.Local[i]
		if err := claim(d.Name); err != nil {
			return err
		}
		if d.Sender == "" {
			d.Sender = d.Name + "-processor"
		}
		switch d.Engine {
		case "":
			d.Engine = EngineQueueing
		case EngineQueueing, EngineImmediate:
		default:
			return fmt.Errorf("domain %q: unknown engine %q", d.Name, d.Engine)
		}
		switch d.Flavor {
		case "":
			d.Flavor = "wasm"
		case "wasm", "evm":
		default:
			return fmt.Errorf("domain %q: unknown flavor %q", d.Name, d.Flavor)
		}
	}
	for _, d := range t.Remote {
		if err := claim(d.Name); err != nil {
			return err
		}
		if d.CallbackSender == "" {
			return fmt.Errorf("remote domain %q: callback_sender is required", d.Name)
		}
		if d.Transport != TransportRedis && d.Transport != TransportKafka {
			return fmt.Errorf("remote domain %q: unknown transport %q", d.Name, d.Transport)
		}
	}
	return nil
}
