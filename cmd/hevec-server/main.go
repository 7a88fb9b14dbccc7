// Command hevec-server runs the encrypted vector database gRPC server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/opaque/hevec/internal/service"
	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/grpcserver"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

const maxMessageSize = 64 << 20

var (
	grpcPort      = flag.Int("port", 50051, "gRPC server port")
	httpPort      = flag.Int("health-port", 8080, "HTTP health port")
	tlsCert       = flag.String("tls-cert", "", "TLS certificate file (optional)")
	tlsKey        = flag.String("tls-key", "", "TLS key file (optional)")
	paramsFile    = flag.String("params", "", "JSON scheme parameters file (default parameters when empty)")
	dataDir       = flag.String("data", "", "payload directory (in memory when empty)")
	passphrase    = flag.String("passphrase", "", "payload sealing passphrase (or HEVEC_STORAGE_PASSPHRASE)")
	sessionTTL    = flag.Duration("session-ttl", 24*time.Hour, "maximum session lifetime")
	maxConcurrent = flag.Int("max-concurrent", 16, "maximum concurrent ciphertext operations per request")
)

func loadParams(path string) (hevec.ParametersLiteral, error) {
	if path == "" {
		return hevec.DefaultParameters, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return hevec.ParametersLiteral{}, fmt.Errorf("failed to read parameters: %w", err)
	}
	lit := hevec.DefaultParameters
	if err := json.Unmarshal(data, &lit); err != nil {
		return hevec.ParametersLiteral{}, fmt.Errorf("failed to parse parameters: %w", err)
	}
	return lit, nil
}

func main() {
	flag.Parse()

	log.Println("Starting HEVEC server...")

	params, err := loadParams(*paramsFile)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	var blobs blob.Store
	if *dataDir != "" {
		fs, err := blob.NewFileStore(*dataDir)
		if err != nil {
			log.Fatalf("Failed to open payload directory: %v", err)
		}
		blobs = fs
		log.Printf("Payloads stored under %s", *dataDir)
	} else {
		blobs = blob.NewMemoryStore()
	}

	cfg := service.DefaultConfig()
	cfg.Params = params
	cfg.MaxSessionTTL = *sessionTTL
	cfg.MaxConcurrentScores = *maxConcurrent
	cfg.Passphrase = *passphrase
	if cfg.Passphrase == "" {
		cfg.Passphrase = os.Getenv("HEVEC_STORAGE_PASSPHRASE")
	}
	if cfg.Passphrase == "" {
		log.Println("No passphrase configured: payloads are stored unsealed")
	}

	svc, err := service.New(cfg, store.NewMemoryStore(), blobs)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	p := svc.Parameters()
	log.Printf("Parameters: N=%d rank=%d n=%d logQ=%d logP=%d", p.N(), p.Rank(), p.InvRank(), params.LogQ, params.LogP)

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize), // key material and ciphertext batches
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoveryUnaryInterceptor(),
			grpcserver.LoggingUnaryInterceptor(),
		),
	}
	if *tlsCert != "" && *tlsKey != "" {
		creds, err := grpcserver.LoadTLSCredentials(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("Failed to load TLS credentials: %v", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
		log.Println("TLS enabled")
	}
	grpcServer := grpc.NewServer(serverOpts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(wire.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Register reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	grpcserver.Register(grpcServer, svc)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", *grpcPort))
	if err != nil {
		log.Fatalf("Failed to listen on port %d: %v", *grpcPort, err)
	}

	go func() {
		log.Printf("gRPC server listening on :%d", *grpcPort)
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy, msg, sessions, collections := svc.HealthCheck(r.Context())
		if healthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "OK\n")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "ERROR: %s\n", msg)
		}
		fmt.Fprintf(w, "Sessions: %d\n", sessions)
		fmt.Fprintf(w, "Collections: %d\n", collections)
	})

	httpMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Ready\n")
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *httpPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", *httpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	if err := svc.Close(); err != nil {
		log.Printf("Failed to close stores: %v", err)
	}

	log.Println("Shutdown complete")
}
