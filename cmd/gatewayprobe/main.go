// gatewayprobe drives a running gateway through its signalling channel: it
// asks for router capabilities and optionally opens a producer transport on
// the returned router, printing every reply.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/utils"
	protocol "github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
)

func printReply(event string, reply any) {
	encoded, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		slog.Error("error while encoding reply", "event", event, "err", err)
		return
	}
	fmt.Printf("%s:\n%s\n", event, encoded)
}

func main() {
	url := flag.String("url", "wss://127.0.0.1:4000/ws", "Websocket endpoint of the gateway.")
	producerID := flag.String("producerId", "", "Resolve the egress router of this producer instead of creating a topology.")
	openTransport := flag.Bool("transport", false, "Also create a transport on the returned router.")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification.")
	flag.Parse()

	utils.SetViperDefaults()
	if _, err := utils.ConfigureDefaultLogger(viper.GetString("loglevel"), "", slog.HandlerOptions{}); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: *insecure}
	client, err := networking.Dial(ctx, *url, networking.ClientOptions{
		Timeout: time.Duration(viper.GetInt("timeout")) * time.Millisecond,
		Dialer:  &dialer,
	}, slog.Default())
	if err != nil {
		slog.Error("error while dialing gateway", "url", *url, "err", err)
		os.Exit(1)
	}
	defer client.Close()

	var capabilities signalling.GetRouterRtpCapabilitiesReply
	err = client.Request(ctx, protocol.EventGetRouterRtpCapabilities, signalling.GetRouterRtpCapabilitiesRequest{ProducerID: *producerID}, &capabilities)
	if err != nil {
		slog.Error("error while requesting router capabilities", "err", err)
		os.Exit(1)
	}
	printReply(protocol.EventGetRouterRtpCapabilities, capabilities)
	if capabilities.Status != protocol.StatusSuccess || !*openTransport {
		return
	}

	role := protocol.TransportRoleProducer
	if *producerID != "" {
		role = protocol.TransportRoleConsumer
	}
	var transport signalling.CreateWebRtcTransportReply
	err = client.Request(ctx, protocol.EventCreateWebRtcTransport, signalling.CreateWebRtcTransportRequest{
		RouterID: capabilities.RouterID,
		Type:     role,
	}, &transport)
	if err != nil {
		slog.Error("error while creating transport", "err", err)
		os.Exit(1)
	}
	printReply(protocol.EventCreateWebRtcTransport, transport)

	if transport.Status == protocol.StatusSuccess {
		err = client.Request(ctx, protocol.EventCloseTransport, signalling.CloseTransportRequest{TransportID: transport.TransportParams.ID}, nil)
		if err != nil {
			slog.Warn("error while closing transport", "err", err)
		}
	}
}
