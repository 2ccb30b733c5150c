/*
Package main in the directory config_gen reads a cluster template and
generates one configuration file per node, including fresh ED25519 keys and
the threshold-signature shares.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/gitzhang10/subchain/sign"
)

func main() {
	viperRead := viper.New()
	viperRead.SetEnvPrefix("subchain")
	viperRead.AutomaticEnv()
	viperRead.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(err)
	}

	// the template names nodes nodeK with K the 1-based schain index
	ipsMapInterface := viperRead.GetStringMap("ips")
	nodeNumber := len(ipsMapInterface)
	if nodeNumber < 4 || (nodeNumber-1)%3 != 0 {
		panic(fmt.Sprintf("cluster size %d is not 3f+1 for f >= 1", nodeNumber))
	}

	clusterIPs := make(map[string]string, nodeNumber)
	for name, addr := range ipsMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("ips in the template cannot be decoded correctly")
		}
		clusterIPs[name] = addrAsString
	}

	consensusBasePort := viperRead.GetInt("consensus_base_port")
	gossipBasePort := viperRead.GetInt("gossip_base_port")
	nodeIDBase := viperRead.GetInt("node_id_base")
	if nodeIDBase == 0 {
		nodeIDBase = 100
	}

	consensusPorts := make(map[string]int, nodeNumber)
	gossipPorts := make(map[string]int, nodeNumber)
	nodeIDs := make(map[string]int, nodeNumber)
	for i := 1; i <= nodeNumber; i++ {
		name := "node" + strconv.Itoa(i)
		if _, ok := clusterIPs[name]; !ok {
			panic(fmt.Sprintf("the template has no ip for %s", name))
		}
		// nodes sharing a machine step their ports by 10
		consensusPorts[name] = consensusBasePort + (i-1)*10
		gossipPorts[name] = gossipBasePort + (i-1)*10
		nodeIDs[name] = nodeIDBase + i
	}

	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for i := 1; i <= nodeNumber; i++ {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		name := "node" + strconv.Itoa(i)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
	}

	faulty := (nodeNumber - 1) / 3
	shares, pubPoly := sign.GenTSKeys(2*faulty+1, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail to encode the TS public key")
	}

	schainID := viperRead.GetUint64("schain_id")
	batchSize := viperRead.GetInt("batch_size")
	logLevel := viperRead.GetInt("log_level")
	maxPool := viperRead.GetInt("max_pool")
	emptyBlockIntervalMs := viperRead.GetInt("empty_block_interval_ms")
	basePrice := viperRead.GetUint64("base_price")

	for i := 1; i <= nodeNumber; i++ {
		name := "node" + strconv.Itoa(i)
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))

		// node i holds the threshold share at index i-1
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i-1])
		if err != nil {
			panic("fail to encode a TS share")
		}

		viperWrite.Set("name", name)
		viperWrite.Set("schain_id", schainID)
		viperWrite.Set("cluster_ips", clusterIPs)
		viperWrite.Set("peers_consensus_port", consensusPorts)
		viperWrite.Set("peers_gossip_port", gossipPorts)
		viperWrite.Set("cluster_nodeid", nodeIDs)
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("batch_size", batchSize)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("empty_block_interval_ms", emptyBlockIntervalMs)
		viperWrite.Set("base_price", basePrice)
		viperWrite.Set("data_dir", "./data/"+name)
		viperWrite.Set("health_check_file", "./data/"+name+"/health")

		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
	fmt.Printf("generated %d node configuration files\n", nodeNumber)
}
