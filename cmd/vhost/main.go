package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"reliable-unicast/pkg/config"
	"reliable-unicast/pkg/logging"
	"reliable-unicast/pkg/repl"
	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/udpnet"
	"reliable-unicast/pkg/unicast"
)

// printer is the application at the top of the stack.
type printer struct {
	log *zap.Logger
}

func (p printer) HandleUp(msg stack.Message) {
	kind := "Received"
	if msg.Flags&stack.FlagOOB != 0 {
		kind = "Received OOB"
	}
	fmt.Printf("\n%s from %s: %s\n> ", kind, msg.Peer, msg.Data)
}

func (p printer) PeerSuspected(peer stack.Address) {
	p.log.Warn("peer suspected", zap.String("peer", string(peer)))
	fmt.Printf("\nPeer %s is not acknowledging, connection closed\n> ", peer)
}

func main() {
	configPath := flag.String("config", "", "JSON config file")
	listen := flag.String("listen", "", "UDP address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	logFormat := flag.String("log-format", "", "text or json (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	// explicit flags win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("vhost failed", zap.Error(err))
		os.Exit(1)
	}
}

func protocolOptions(cfg *config.Config, log *zap.Logger) []unicast.Option {
	opts := []unicast.Option{
		unicast.WithRetransmitInterval(cfg.RetransmitInterval.Duration),
		unicast.WithMaxRetransmitTime(cfg.MaxRetransmitTime.Duration),
		unicast.WithConnIdleTimeout(cfg.ConnIdleTimeout.Duration),
		unicast.WithReapInterval(cfg.ReapInterval.Duration),
		unicast.WithLogger(log.Named("unicast")),
	}
	if cfg.Backoff {
		opts = append(opts, unicast.WithBackoff(cfg.MaxBackoff.Duration))
	}
	return opts
}

func run(cfg *config.Config, log *zap.Logger) error {
	proto := unicast.New(protocolOptions(cfg, log)...)

	var late stack.Late
	transport, err := udpnet.Listen(cfg.Listen, &late,
		udpnet.WithWorkers(cfg.Workers),
		udpnet.WithLogger(log.Named("udp")))
	if err != nil {
		return err
	}
	defer transport.Close()

	_, up := stack.Chain(printer{log: log}, transport, proto, stack.NewTrace(log.Named("trace")))
	late.Set(up)
	if err := proto.Start(); err != nil {
		return err
	}
	defer proto.Stop()

	fmt.Printf("Listening on %s\n", transport.LocalAddress())
	for _, peer := range cfg.Peers {
		fmt.Printf("Peer: %s\n", peer)
	}
	repl.Run(proto, os.Stdin, os.Stdout)
	return nil
}
