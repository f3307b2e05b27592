package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lengbh/GraphDesEngine/sim/mes"
)

var (
	controllerTransport string // tcp or grpc
	controllerListen    string // listen address
	controllerPolicy    string // built-in routing policy
)

// controllerCmd runs a demo routing controller for simulations started with
// --control tcp|grpc.
var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Serve a demo routing controller",
	Run: func(cmd *cobra.Command, args []string) {
		if !mes.IsValidPolicy(controllerPolicy) {
			logrus.Fatalf("Unknown policy %q. Valid options: %s", controllerPolicy, strings.Join(mes.ValidPolicyNames(), ", "))
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := serveController(ctx, controllerTransport, controllerListen, controllerPolicy, nil); err != nil {
			logrus.Fatalf("Controller failed: %v", err)
		}
	},
}

// serveController serves policy on addr until ctx is done. ready, if set,
// receives the bound address once listening.
func serveController(ctx context.Context, transport, addr, policy string, ready chan<- net.Addr) error {
	d, err := mes.NewDecider(policy)
	if err != nil {
		return err
	}
	if transport != ControlTCP && transport != ControlGRPC {
		return fmt.Errorf("unknown transport %q; valid options: tcp, grpc", transport)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	logrus.Infof("Routing controller (%s, policy %s) listening on %s", transport, policy, lis.Addr())
	if ready != nil {
		ready <- lis.Addr()
	}

	var (
		serve    func() error
		shutdown func()
	)
	if transport == ControlTCP {
		srv := mes.NewTCPServer(d, logrus.StandardLogger())
		serve = func() error { return srv.Serve(lis) }
		shutdown = func() { _ = srv.Close() }
	} else {
		srv := mes.NewGRPCServer(d, logrus.StandardLogger())
		serve = func() error { return srv.Serve(lis) }
		shutdown = srv.Stop
	}

	errc := make(chan error, 1)
	go func() { errc <- serve() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown()
		<-errc
		logrus.Info("Routing controller stopped")
		return nil
	}
}

func init() {
	controllerCmd.Flags().StringVar(&controllerTransport, "transport", ControlTCP, "Transport (tcp, grpc)")
	controllerCmd.Flags().StringVar(&controllerListen, "listen", "127.0.0.1:9000", "Listen address")
	controllerCmd.Flags().StringVar(&controllerPolicy, "policy", mes.PolicyRoundRobin, "Routing policy ("+strings.Join(mes.ValidPolicyNames(), ", ")+")")
	rootCmd.AddCommand(controllerCmd)
}
