package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	sqlite "github.com/estuary/flow-materialize/go/materialize/driver/sqlite"
	"github.com/estuary/flow-materialize/go/protocols/materialize"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

type listen struct {
	Port      uint16 `long:"port" optional:"true" default:"9191" description:"The port to bind to"`
	Interface string `long:"interface" optional:"true" default:"" description:"The network interface to bind to"`
}

type logging struct {
	Level string `long:"level" optional:"true" default:"info" description:"Logging level"`
}

type args struct {
	Listen listen  `group:"Listen" namespace:"listen" env-namespace:"LISTEN"`
	Log    logging `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var opts args
	var parser = flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	level, err := log.ParseLevel(opts.Log.Level)
	if err != nil {
		log.WithField("err", err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Listen.Interface, opts.Listen.Port))
	if err != nil {
		log.WithField("err", err).Fatal("failed to bind listener")
	}

	var srv = grpc.NewServer()
	materialize.RegisterConnectorServer(srv, sqlite.NewSQLiteDriver())

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal, stopping")
		srv.GracefulStop()
	}()

	log.WithField("addr", lis.Addr()).Info("materialize-sqlite listening")
	if err := srv.Serve(lis); err != nil {
		log.WithField("err", err).Fatal("server failed")
	}
	log.Info("goodbye")
}
