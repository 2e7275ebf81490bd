package build

import "fmt"

// OrderbookTopic names the gossip topic for a trading pair. The pair is
// alphabetized so that both sides of a trade join the same topic.
func OrderbookTopic(netName, base, rel string) string {
	if base > rel {
		base, rel = rel, base
	}
	return fmt.Sprintf("%s/orbk/%s:%s", netName, base, rel)
}

// SwapTopic names the per-swap message topic.
func SwapTopic(netName, uuid string) string {
	return fmt.Sprintf("%s/swap/%s", netName, uuid)
}

// ReqProtocol is the stream protocol id for direct request/response.
func ReqProtocol(netName string) string {
	return fmt.Sprintf("/atomdex/req/%s/1.0.0", netName)
}

// DHTProtocol creates a protocol prefix for the kad dht.
func DHTProtocol(netName string) string {
	return fmt.Sprintf("/atomdex/dht/%s", netName)
}
