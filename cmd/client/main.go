package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	log "github.com/sirupsen/logrus"
	"github.com/yly97/coapdtls/pkg/coap"
	"github.com/yly97/coapdtls/pkg/config"
	"github.com/yly97/coapdtls/pkg/connector"
	"github.com/yly97/coapdtls/pkg/credentials"
	"github.com/yly97/coapdtls/pkg/mode"
	"github.com/yly97/coapdtls/pkg/trace"
)

var (
	verbose     int
	addr        string
	modeList    string
	method      string
	contentType int
	nonConfirm  bool
	timeout     time.Duration
)

var methods = map[string]codes.Code{
	"GET":    codes.GET,
	"PUT":    codes.PUT,
	"POST":   codes.POST,
	"DELETE": codes.DELETE,
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] PATH [PAYLOAD]\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "Credentials are read from COAP_CRED_* environment variables.")
	flag.PrintDefaults()
}

func main() {
	flag.IntVar(&verbose, "verbose", 2, "Set log level(0:trace, 1:debug, 2:info)")
	flag.StringVar(&addr, "addr", "127.0.0.1"+connector.DefaultSecureAddress, "Server address")
	flag.StringVar(&modeList, "modes", "PSK", "Comma separated authentication modes")
	flag.StringVar(&method, "method", "GET", "Request method(GET, PUT, POST, DELETE)")
	flag.IntVar(&contentType, "cf", int(message.TextPlain), "Content-Format of the payload")
	flag.BoolVar(&nonConfirm, "non", false, "Send a non-confirmable request")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Timeout of handshake and request")
	flag.Usage = usage
	flag.Parse()

	switch verbose {
	case 0:
		log.SetLevel(log.TraceLevel)
	case 1:
		log.SetLevel(log.DebugLevel)
	}

	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(2)
	}
	code, ok := methods[strings.ToUpper(method)]
	if !ok {
		fmt.Fprintf(flag.CommandLine.Output(), "unknown method %q\n", method)
		flag.Usage()
		os.Exit(2)
	}
	requested, err := mode.ParseAll(strings.Split(modeList, ","))
	if err != nil {
		fmt.Fprintln(flag.CommandLine.Output(), err)
		flag.Usage()
		os.Exit(2)
	}
	modes, err := mode.Resolve(requested, mode.All())
	if err != nil {
		log.Fatalf("resolve modes error: %v", err)
	}

	cfg, err := config.Load(config.DefaultPrefix)
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	var creds *credentials.Credentials
	if modes.Secure() {
		if creds, err = credentials.Load(modes, credentials.Client, cfg.Source()); err != nil {
			log.Fatalf("load credentials error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := connector.Dial(ctx, addr, connector.ClientConfig{
		Modes:          modes,
		Credentials:    creds,
		FlightInterval: cfg.FlightInterval,
		MTU:            cfg.MTU,
		Observer:       trace.NewLogger(log.WithField("component", "trace")),
	})
	if err != nil {
		log.Fatalf("dial %s error: %v", addr, err)
	}
	client := coap.NewClient(conn, cfg.Params())
	defer client.Close()

	req := coap.NewRequest(code, flag.Arg(0))
	if nonConfirm {
		req.Type = coap.NonConfirmable
	}
	if flag.NArg() == 2 {
		req.SetContentFormat(message.MediaType(contentType))
		req.Payload = []byte(flag.Arg(1))
	}

	resp, err := client.Do(ctx, req)
	if err != nil {
		_ = client.Close()
		log.Fatalf("request error: %v", err)
	}
	fmt.Printf("%s\n", resp.Code)
	if len(resp.Payload) > 0 {
		fmt.Printf("%s\n", resp.Payload)
	}
}
