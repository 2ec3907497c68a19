// Command storedemo wires a single topic's master into a network listener
// and, if configured, a read-only introspection service, then runs until
// killed. It exists to exercise internal/registry end to end; it is not a
// general-purpose front end for choosing master/cloner/remote roles, which
// stays out of scope here.
package main

import (
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"

	"kvreplica/internal/config"
	"kvreplica/internal/introspect"
	"kvreplica/internal/master"
	"kvreplica/internal/registry"
	"kvreplica/internal/storelog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := storelog.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	topic := os.Getenv("STORE_TOPIC")
	if topic == "" {
		topic = "default"
	}

	reg := registry.New(logger)
	m, err := reg.OpenMaster(topic)
	if err != nil {
		logger.Fatal("failed to open master", storelog.Topic(topic), storelog.Error(err))
	}

	boundAddr, shutdown, err := reg.PublishMaster(topic, cfg)
	if err != nil {
		logger.Fatal("failed to publish master", storelog.Topic(topic), storelog.Error(err))
	}
	defer shutdown()
	logger.Info("master published", storelog.Topic(topic), storelog.String("address", boundAddr))

	if cfg.IntrospectAddr != "" {
		introspectLogger := logger.With(storelog.String("component", "introspect"))
		mm, _ := m.Master()
		resolver := introspect.ResolverFunc(func(t string) (*master.Master, bool) {
			if t != topic {
				return nil, false
			}
			return mm, true
		})

		svc := introspect.NewService(resolver, introspectLogger)
		grpcServer := grpc.NewServer()
		introspect.RegisterServer(grpcServer, svc)

		listener, err := net.Listen("tcp", cfg.IntrospectAddr)
		if err != nil {
			logger.Fatal("failed to start introspection listener", storelog.Error(err), storelog.String("address", cfg.IntrospectAddr))
		}
		logger.Info("introspection service listening", storelog.String("address", cfg.IntrospectAddr))
		go func() {
			if err := grpcServer.Serve(listener); err != nil {
				logger.Fatal("introspection server terminated", storelog.Error(err))
			}
		}()
		defer grpcServer.GracefulStop()
	}

	select {}
}
