package relay

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/blake2b"
)

// RelayIDFromAddress derives the pool key for a relay address. Multiaddrs
// with a /p2p component are keyed by their peer ID; anything else is keyed
// by a short BLAKE2b digest of the trimmed address.
func RelayIDFromAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	if strings.HasPrefix(address, "/") {
		maddr, err := multiaddr.NewMultiaddr(address)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if info, err := peer.AddrInfoFromP2pAddr(maddr); err == nil {
			return info.ID.String(), nil
		}
	}

	sum := blake2b.Sum256([]byte(address))
	return "relay-" + hex.EncodeToString(sum[:8]), nil
}
