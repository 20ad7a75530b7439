package config

// NodeConfig carries the identity a node prefers to adopt on first boot.
// A collision during discovery causes the node to fall back to a
// synthesized identifier instead of the desired one.
type NodeConfig struct {
    DesiredNodeID    string `mapstructure:"desired_node_id"`
    DesiredSubdomain string `mapstructure:"desired_subdomain"`
    Stationary       bool   `mapstructure:"stationary"`
}
