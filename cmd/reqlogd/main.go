// Command reqlogd is a small flag-driven binary exercising the façade end
// to end: it opens and closes scopes on a fixed tick to simulate inbound
// requests, prints finished batches, and drains cleanly on SIGINT/SIGTERM.
// Structured the same way as cmd/nanolog/main.go: flags, a log.Printf
// startup banner, a goroutine driving the workload, and a signal-triggered
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/coffersTech/reqlog"
	"github.com/coffersTech/reqlog/pipeline"
	"github.com/coffersTech/reqlog/sinks"
)

func main() {
	windowSeconds := flag.Float64("window", 2, "batch window in seconds (0 for synchronous mode)")
	emergencyDir := flag.String("emergency-dir", "", "directory for emergency dumps (defaults to a reqlog directory under the OS temp dir)")
	rate := flag.Duration("rate", 150*time.Millisecond, "interval between simulated requests")
	s3Bucket := flag.String("s3-bucket", "", "upload batches to this S3 bucket instead of printing them to stdout")
	s3Prefix := flag.String("s3-prefix", "reqlog", "key prefix for S3-uploaded batches")
	flag.Parse()

	log.Println("reqlogd starting...")

	sink, err := buildSink(*s3Bucket, *s3Prefix)
	if err != nil {
		log.Fatalf("building sink: %v", err)
	}

	cfg := reqlog.Config{
		Sink:               sink,
		BatchWindowSeconds: *windowSeconds,
		EmergencyDir:       *emergencyDir,
	}
	if err := reqlog.Initialize(cfg); err != nil {
		log.Fatalf("reqlog.Initialize: %v", err)
	}
	log.Printf("initialized: window=%.1fs emergency_dir=%q", *windowSeconds, *emergencyDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go simulateRequests(*rate, stop)

	sig := <-quit
	log.Printf("received signal: %v, shutting down", sig)
	close(stop)

	reqlog.EmergencyShutdown()
	log.Println("reqlogd exited gracefully.")
}

// buildSink returns an S3 sink when bucket is set, loading credentials and
// region the standard SDK way (env vars, shared config, IAM role), or a
// stdout Print sink otherwise.
func buildSink(bucket, prefix string) (pipeline.Sink, error) {
	if bucket == "" {
		return sinks.NewPrint(os.Stdout).Sink, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	s3Sink, err := sinks.NewS3(client, bucket, prefix, true)
	if err != nil {
		return nil, err
	}
	return s3Sink.Sink, nil
}

func simulateRequests(rate time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	paths := []string{"/users", "/orders", "/health", "/checkout"}
	n := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n++
			handleRequest(paths[n%len(paths)])
		}
	}
}

func handleRequest(path string) {
	scope := reqlog.BeginGlobalLogRecord(map[string]any{"path": path})
	var err error
	defer func() { scope.Close(err) }()

	timer := reqlog.LogTime("work")
	time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
	timer.Stop()

	reqlog.LogCounter("requests", 1)
	if path == "/checkout" && rand.Intn(5) == 0 {
		err = fmt.Errorf("payment provider timeout")
		reqlog.LogValue(map[string]any{"status": 502})
		return
	}
	reqlog.LogValue(map[string]any{"status": 200})
}
