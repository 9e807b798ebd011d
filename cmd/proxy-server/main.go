// Command proxy-server runs the MySQL wire-protocol proxy: it parses
// the CLI surface defined by internal/config, wires together the Auth
// Engine, Router, Backend Pool, Topology Store, and (unless running in
// the backend sub-mode) a Control-Plane Client, then serves frontend
// connections until a shutdown signal arrives. The construction order
// mirrors the teacher's own proxy-server/main.go; shutdown closes the
// admin HTTP surface, cancels the shared context, then waits for every
// started task.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/admin"
	"github.com/mono-db/mono-proxy-server/internal/auth"
	"github.com/mono-db/mono-proxy-server/internal/backend"
	"github.com/mono-db/mono-proxy-server/internal/config"
	"github.com/mono-db/mono-proxy-server/internal/controlplane"
	"github.com/mono-db/mono-proxy-server/internal/hostnames"
	"github.com/mono-db/mono-proxy-server/internal/proxyserver"
	"github.com/mono-db/mono-proxy-server/internal/router"
	"github.com/mono-db/mono-proxy-server/internal/topology"
)

func main() {
	root := config.NewRootCommand(run)
	if err := root.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run(cfg *config.Config) error {
	// spec §5's "fixed number of worker threads (CLI flag --works)" maps
	// onto Go's own M:N scheduler: GOMAXPROCS caps how many OS threads run
	// goroutines simultaneously, which is exactly that knob.
	if cfg.Works > 0 {
		runtime.GOMAXPROCS(cfg.Works)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	pool := backend.New(backend.WithMaxSize(50), backend.WithMinSize(5))
	store := topology.New(func(key topology.InstanceKey) {
		pool.Drain(key)
		log.Printf("INFO: instance %+v drained after going offline", key)
	})

	var provider auth.CredentialProvider
	var resolver router.ClusterResolver
	var cpClient *controlplane.Client

	switch {
	case cfg.BackendMode:
		log.Printf("INFO: backend sub-mode: registering single static instance %s", cfg.BackendAddr)
		inst := staticInstanceFromAddr(cfg.BackendAddr)
		store.ReplaceAll([]topology.BackendInstance{inst})
		provider = auth.NewStaticCredentialProvider(nil)
	case cfg.Router == "static":
		topo, err := config.LoadStaticTopology(cfg.StaticConfigPath)
		if err != nil {
			return fmt.Errorf("load static topology: %w", err)
		}
		log.Printf("INFO: static router: %d users, %d instances from %s", len(topo.Users), len(topo.Instances), cfg.StaticConfigPath)
		provider = auth.NewStaticCredentialProvider(staticUsers(topo.Users))
		store.ReplaceAll(staticInstances(topo.Instances))
	default:
		locality := controlplane.DBLocation{NodeName: cfg.NodeID}
		cpClient = controlplane.New(cfg.ClusterWatcherAddr, "", locality, nil, store)
		if secret := os.Getenv("CONTROL_PLANE_JWT_SECRET"); secret != "" {
			cpClient = cpClient.WithTokenSource(auth.NewTokenSource([]byte(secret), cfg.NodeID, nil))
		}
		provider = auth.NewControlPlaneCredentialProvider(cpClient, nil)
		resolver = provider.(*auth.ControlPlaneCredentialProvider)
	}

	engine := auth.NewEngine(provider, nil, cfg.TLS, "")
	rtr := router.New(store, pool, resolver)

	srv := proxyserver.New(proxyserver.Config{
		ListenAddr: fmt.Sprintf(":%d", cfg.Port),
		Engine:     engine,
		Router:     rtr,
		Pool:       pool,
		Topology:   store,
		Locality:   router.Locality{},
		MaxConns:   cfg.MaxConns,
		HandshakeTimeout: cfg.HandshakeTimeout,
		LeaseTimeout:     cfg.LeaseTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	})

	if cpClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cpClient.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.StartHealthChecks(ctx, 30*time.Second)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			log.Printf("ERROR: proxy server stopped: %v", err)
		}
	}()

	var adminSrv *http.Server
	if cfg.EnableREST {
		ready := func() bool { return srv.Addr() != nil }
		var subscriber admin.Subscriber
		if cpClient != nil {
			subscriber = cpClient
		}
		mux := admin.New(store, subscriber, ready, nil)
		adminSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("INFO: admin HTTP surface listening on %s", adminSrv.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("ERROR: admin HTTP surface stopped: %v", err)
			}
		}()
	}

	log.Printf("INFO: mono-proxy-server listening on :%d (router=%s)", cfg.Port, cfg.Router)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan
	log.Println("INFO: shutdown signal received")

	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	cancel()
	wg.Wait()

	log.Println("INFO: shutdown complete")
	return nil
}

func staticUsers(users []config.StaticUser) []auth.StaticUser {
	out := make([]auth.StaticUser, 0, len(users))
	for _, u := range users {
		out = append(out, auth.NewStaticUser(u.Username, u.Password, u.Database, u.Plugin))
	}
	return out
}

func staticInstances(instances []config.StaticInstance) []topology.BackendInstance {
	out := make([]topology.BackendInstance, 0, len(instances))
	for _, inst := range instances {
		key := topology.InstanceKey{
			Namespace: hostnames.Normalize(inst.Namespace),
			NodeName:  hostnames.Normalize(inst.NodeName),
		}
		out = append(out, topology.BackendInstance{
			Key:     key,
			Region:  hostnames.Normalize(inst.Region),
			Zone:    hostnames.Normalize(inst.Zone),
			Address: hostnames.NormalizeAddress(inst.Address),
			Status:  topology.StatusReady,
			Cluster: topology.ClusterKey{
				Region:           hostnames.Normalize(inst.Region),
				AvailabilityZone: hostnames.Normalize(inst.Zone),
				Namespace:        hostnames.Normalize(inst.Namespace),
				ClusterName:      hostnames.Normalize(inst.Cluster),
			},
		})
	}
	return out
}

// staticInstanceFromAddr builds the single BackendInstance the `backend`
// sub-command registers directly, bypassing both the control plane and
// the static-topology YAML file (spec §6).
func staticInstanceFromAddr(addr string) topology.BackendInstance {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "3306"
	}
	_, _ = strconv.Atoi(port) // result unused; Address carries addr as given
	key := topology.InstanceKey{Namespace: "backend", NodeName: hostnames.Normalize(host)}
	cluster := topology.ClusterKey{Namespace: "backend", ClusterName: "backend"}
	return topology.BackendInstance{
		Key:     key,
		Address: hostnames.NormalizeAddress(addr),
		Status:  topology.StatusReady,
		Cluster: cluster,
	}
}
