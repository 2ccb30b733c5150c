/*
Package config loads the node configuration: the schain identity, the peer
table, the ed25519 and threshold keys, and the timing knobs of the consensus
engine.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/subchain/sign"
)

// Defaults for the optional knobs.
const (
	DefaultEmptyBlockIntervalMs  = 3000
	DefaultDelayedSendsQueueCap  = 256
	DefaultDelayedSendsRetryMs   = 100
	DefaultHealthCheckTimeoutSec = 150
	DefaultCatchupIntervalMs     = 5000
	DefaultMonitoringIntervalMs  = 1000
	DefaultBatchSize             = 500
	DefaultMaxPool               = 4
	DefaultBasePrice             = 1000
	DefaultCatchupBlocks         = 16
)

// NodeInfo describes one peer of the schain.
type NodeInfo struct {
	Name          string
	NodeID        uint64
	SchainIndex   uint64 // 1-based position in the schain
	IP            string
	ConsensusPort int // binary consensus frames
	GossipPort    int // proposals, DA shares, catch-up
	PublicKey     ed25519.PublicKey
}

// ConsensusAddr returns the peer's consensus-plane address.
func (n *NodeInfo) ConsensusAddr() string {
	return n.IP + ":" + strconv.Itoa(n.ConsensusPort)
}

// GossipAddr returns the peer's gossip-plane address.
func (n *NodeInfo) GossipAddr() string {
	return n.IP + ":" + strconv.Itoa(n.GossipPort)
}

// Config carries everything a node needs to run.
type Config struct {
	Name        string
	SchainID    uint64
	NodeID      uint64
	SchainIndex uint64

	// Nodes is keyed by 1-based schain index.
	Nodes map[uint64]*NodeInfo

	PrivateKey   ed25519.PrivateKey
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare

	DataDir  string
	LogLevel int
	MaxPool  int

	BatchSize             int
	EmptyBlockIntervalMs  int
	DelayedSendsQueueCap  int
	DelayedSendsRetryMs   int
	HealthCheckTimeoutSec int
	HealthCheckFile       string
	CatchupIntervalMs     int
	MonitoringIntervalMs  int
	BasePrice             uint64

	// CatchupBlocks is the skip window: frames this many blocks or more
	// behind the committed head are discarded, catch-up covers them.
	CatchupBlocks int
	// PacketLoss is the simulated drop percentage, 0..100, testing only.
	PacketLoss int
}

// NodeCount returns the schain size N.
func (c *Config) NodeCount() uint64 {
	return uint64(len(c.Nodes))
}

// MaxFaulty returns f for N = 3f+1.
func (c *Config) MaxFaulty() uint64 {
	return (c.NodeCount() - 1) / 3
}

// Quorum returns 2f+1.
func (c *Config) Quorum() uint64 {
	return 2*c.MaxFaulty() + 1
}

// FPlusOne returns f+1.
func (c *Config) FPlusOne() uint64 {
	return c.MaxFaulty() + 1
}

// Self returns this node's own peer entry.
func (c *Config) Self() *NodeInfo {
	return c.Nodes[c.SchainIndex]
}

// NodeByIndex returns the peer at the 1-based schain index, or nil.
func (c *Config) NodeByIndex(schainIndex uint64) *NodeInfo {
	return c.Nodes[schainIndex]
}

// IndexByIP resolves a sender ip to its schain index, 0 when unknown.
func (c *Config) IndexByIP(ip string) uint64 {
	for idx, n := range c.Nodes {
		if n.IP == ip {
			return idx
		}
	}
	return 0
}

func (c *Config) validate() error {
	n := c.NodeCount()
	if n < 4 || (n-1)%3 != 0 {
		return fmt.Errorf("schain size %d is not 3f+1 for f >= 1", n)
	}
	for i := uint64(1); i <= n; i++ {
		if c.Nodes[i] == nil {
			return fmt.Errorf("schain index %d has no node entry", i)
		}
	}
	if c.SchainIndex == 0 || c.SchainIndex > n {
		return fmt.Errorf("own schain index %d out of range", c.SchainIndex)
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("bad ed25519 private key size")
	}
	if c.TsPublicKey == nil || c.TsPrivateKey == nil {
		return errors.New("threshold keys are missing")
	}
	if c.PacketLoss < 0 || c.PacketLoss > 100 {
		return fmt.Errorf("packet_loss %d is not a percentage", c.PacketLoss)
	}
	return nil
}

// LoadConfig reads the configuration file configName from configPath,
// overridable through SUBCHAIN_* environment variables.
func LoadConfig(configPath, configName string) (*Config, error) {
	viperConfig := viper.New()

	viperConfig.SetEnvPrefix("subchain")
	viperConfig.AutomaticEnv()
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath(configPath)

	viperConfig.SetDefault("empty_block_interval_ms", DefaultEmptyBlockIntervalMs)
	viperConfig.SetDefault("delayed_sends_queue_cap", DefaultDelayedSendsQueueCap)
	viperConfig.SetDefault("delayed_sends_retry_ms", DefaultDelayedSendsRetryMs)
	viperConfig.SetDefault("health_check_timeout_sec", DefaultHealthCheckTimeoutSec)
	viperConfig.SetDefault("catchup_interval_ms", DefaultCatchupIntervalMs)
	viperConfig.SetDefault("monitoring_interval_ms", DefaultMonitoringIntervalMs)
	viperConfig.SetDefault("batch_size", DefaultBatchSize)
	viperConfig.SetDefault("max_pool", DefaultMaxPool)
	viperConfig.SetDefault("base_price", DefaultBasePrice)
	viperConfig.SetDefault("catchup_blocks", DefaultCatchupBlocks)
	viperConfig.SetDefault("packet_loss", 0)
	viperConfig.SetDefault("data_dir", "./data")

	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, err
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("privkeyed"))
	if err != nil {
		return nil, fmt.Errorf("could not decode privkeyed: %w", err)
	}

	tsPubKeyAsBytes, err := hex.DecodeString(viperConfig.GetString("tspubkey"))
	if err != nil {
		return nil, fmt.Errorf("could not decode tspubkey: %w", err)
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}

	tsShareAsBytes, err := hex.DecodeString(viperConfig.GetString("tsshare"))
	if err != nil {
		return nil, fmt.Errorf("could not decode tsshare: %w", err)
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:                  viperConfig.GetString("name"),
		SchainID:              viperConfig.GetUint64("schain_id"),
		PrivateKey:            privKeyED,
		TsPublicKey:           tsPubKey,
		TsPrivateKey:          tsShareKey,
		DataDir:               viperConfig.GetString("data_dir"),
		LogLevel:              viperConfig.GetInt("log_level"),
		MaxPool:               viperConfig.GetInt("max_pool"),
		BatchSize:             viperConfig.GetInt("batch_size"),
		EmptyBlockIntervalMs:  viperConfig.GetInt("empty_block_interval_ms"),
		DelayedSendsQueueCap:  viperConfig.GetInt("delayed_sends_queue_cap"),
		DelayedSendsRetryMs:   viperConfig.GetInt("delayed_sends_retry_ms"),
		HealthCheckTimeoutSec: viperConfig.GetInt("health_check_timeout_sec"),
		HealthCheckFile:       viperConfig.GetString("health_check_file"),
		CatchupIntervalMs:     viperConfig.GetInt("catchup_interval_ms"),
		MonitoringIntervalMs:  viperConfig.GetInt("monitoring_interval_ms"),
		BasePrice:             viperConfig.GetUint64("base_price"),
		CatchupBlocks:         viperConfig.GetInt("catchup_blocks"),
		PacketLoss:            viperConfig.GetInt("packet_loss"),
	}

	ipsMap := viperConfig.GetStringMap("cluster_ips")
	consensusPortMap := viperConfig.GetStringMap("peers_consensus_port")
	gossipPortMap := viperConfig.GetStringMap("peers_gossip_port")
	pubKeyMap := viperConfig.GetStringMap("cluster_pubkeyed")
	nodeIDMap := viperConfig.GetStringMap("cluster_nodeid")

	conf.Nodes = make(map[uint64]*NodeInfo, len(pubKeyMap))
	for name, pkAsInterface := range pubKeyMap {
		pkAsString, ok := pkAsInterface.(string)
		if !ok {
			return nil, fmt.Errorf("public key of %s is not a string", name)
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil || len(pubKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key of %s cannot be decoded", name)
		}

		// names are nodeK where K is the 1-based schain index
		digitPos := strings.IndexFunc(name, isDigit)
		if digitPos < 0 {
			return nil, fmt.Errorf("node name %q carries no schain index", name)
		}
		idx, err := strconv.ParseUint(name[digitPos:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("node name %q carries no schain index", name)
		}

		ip, ok := ipsMap[name].(string)
		if !ok {
			return nil, fmt.Errorf("node %s has no ip", name)
		}
		info := &NodeInfo{
			Name:          name,
			SchainIndex:   idx,
			NodeID:        uint64(toInt(nodeIDMap[name])),
			IP:            ip,
			ConsensusPort: toInt(consensusPortMap[name]),
			GossipPort:    toInt(gossipPortMap[name]),
			PublicKey:     pubKey,
		}
		conf.Nodes[idx] = info
		if name == conf.Name {
			conf.SchainIndex = idx
			conf.NodeID = info.NodeID
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
