// Command mockbridge runs a standalone fake health bridge for manual and
// end-to-end testing. It serves the bridge API plus /admin/* endpoints for
// runtime mutation.
//
// Usage:
//
//	go run ./internal/testutil/cmd/mockbridge [flags]
//
// Flags:
//
//	--port    HTTP port (default: 19312)
//	--token   Expected bridge token (default: bridge_test_e2e_token)
//	--status  Initial authorization status (default: not_determined)
//	--seed    Seed the last 14 days with sample totals (default: true)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
	"github.com/onllm-dev/onstride/internal/testutil"
)

func main() {
	port := flag.Int("port", 19312, "HTTP port for the mock bridge")
	token := flag.String("token", "bridge_test_e2e_token", "Expected bridge token")
	status := flag.String("status", string(metrics.NotDetermined), "Initial authorization status")
	seed := flag.Bool("seed", true, "Seed the last 14 days with sample totals")
	flag.Parse()

	bridge := testutil.NewBridge(
		testutil.WithBridgeToken(*token),
		testutil.WithAuthorization(metrics.ParseAuthorizationStatus(*status)),
		testutil.WithGrantOnRequest(),
	)
	if *seed {
		samples := []float64{6200, 8400, 10250, 4300, 12011, 9050, 7700, 11200, 5600, 9900, 13400, 8800, 7050, 3100}
		testutil.SeedBridge(bridge, testutil.Week(time.Now(), samples...))
	}

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}

	httpSrv := &http.Server{
		Handler:      bridge,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("mock bridge listening on http://localhost:%d", *port)
		log.Printf("  token:  %s", *token)
		log.Printf("  status: %s", *status)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
}
