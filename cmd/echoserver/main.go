// Command echoserver runs a reliudp peer that echoes every Data message it
// receives back to its sender on the same (method, channel) it arrived on.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reliudp/reliudp"
	"github.com/reliudp/reliudp/internal/xlog"
)

func main() {
	port := flag.Int("port", 14242, "UDP port to listen on")
	appID := flag.String("app-id", "reliudp-echoserver", "application identifier clients must match")
	tickInterval := flag.Duration("tick", 15*time.Millisecond, "transport worker tick interval")
	flag.Parse()

	cfg := reliudp.DefaultConfig()
	cfg.Port = uint16(*port)
	cfg.AppIdentifier = *appID
	cfg.AcceptIncomingConnections = true
	cfg.EnableClass(reliudp.ClassStatusChanged)
	cfg.EnableClass(reliudp.ClassErrorMessage)

	peer, err := reliudp.NewPeer(cfg)
	if err != nil {
		xlog.Errorf("bind failed: %v", err)
		os.Exit(1)
	}

	xlog.Infof("echoserver listening on :%d (appId=%q)", *port, *appID)

	errCh := make(chan error, 1)
	go func() { errCh <- peer.Run(*tickInterval) }()
	go pumpInbound(peer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		xlog.Errorf("transport loop stopped: %v", err)
	case sig := <-sigCh:
		xlog.Infof("received signal %v, shutting down", sig)
	}

	if err := peer.Close(); err != nil {
		xlog.Errorf("close: %v", err)
	}
}

func pumpInbound(peer *reliudp.Peer) {
	for {
		msg, ok := peer.TakeInbound(200 * time.Millisecond)
		if !ok {
			continue
		}
		switch msg.Class {
		case reliudp.ClassStatusChanged:
			xlog.Infof("connection %s -> %s", msg.Connection.RemoteAddr(), msg.Status)
		case reliudp.ClassErrorMessage:
			xlog.Warnf("connection %s error: %s", msg.Connection.RemoteAddr(), msg.Text)
		case reliudp.ClassConnectionApproval:
			msg.Approval.Accept()
		case reliudp.ClassData:
			echo := peer.NewOutgoingMessage(msg.Data, msg.Method, msg.Channel)
			peer.SendMessage(echo, msg.Connection)
		}
	}
}
