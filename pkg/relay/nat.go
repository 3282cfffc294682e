package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/pion/turn/v4"
)

// DiscoverPublicAddr performs a STUN binding request against server to
// learn the caller's publicly visible address — the first candidate
// endpoint a peer advertises before falling back to relayed forwarding.
func DiscoverPublicAddr(ctx context.Context, server string) (*net.UDPAddr, error) {
	conn, err := stun.Dial("udp", server)
	if err != nil {
		return nil, fmt.Errorf("stun dial: %w", err)
	}
	defer conn.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var result *net.UDPAddr
	done := make(chan error, 1)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetRTO(time.Until(deadline))
	}

	err = conn.Do(message, func(res stun.Event) {
		if res.Error != nil {
			done <- res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if getErr := xorAddr.GetFrom(res.Message); getErr != nil {
			done <- getErr
			return
		}
		result = &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
		done <- nil
	})
	if err != nil {
		return nil, err
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return result, nil
}

// TURNRelayConfig configures a fallback TURN allocation for peers behind
// symmetric NATs where STUN-discovered endpoints can't be used directly.
type TURNRelayConfig struct {
	ServerAddr string
	Realm      string
	Username   string
	Password   string
}

// NewTURNClient opens a TURN allocation, used as the last-resort transport
// when no direct or relay-forwarded path between peers is reachable.
func NewTURNClient(cfg TURNRelayConfig) (*turn.Client, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("listen for turn client: %w", err)
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: cfg.ServerAddr,
		TURNServerAddr: cfg.ServerAddr,
		Conn:           conn,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Realm:          cfg.Realm,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("new turn client: %w", err)
	}
	return client, nil
}
