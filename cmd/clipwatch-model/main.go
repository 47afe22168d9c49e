// Command clipwatch-model serves the local motion model over gRPC so the
// server can be pointed at it with CLIPWATCH_MODEL_ENDPOINT.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"clipwatch/internal/classifier"
)

const maxMsgSize = 64 << 20

func main() {
	var (
		addrF      = flag.String("listen", "localhost:50051", "gRPC listen address")
		thresholdF = flag.Int("pixel-threshold", 0, "16-bit brightness change counted as motion (0 = default)")
		gainF      = flag.Float64("gain", 0, "Multiplier from change ratio to class-1 probability (0 = default)")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[clipwatch-model] ", log.Ltime)

	model := classifier.NewMotionModel()
	if *thresholdF > 0 {
		model.PixelThreshold = *thresholdF
	}
	if *gainF > 0 {
		model.Gain = *gainF
	}

	lis, err := net.Listen("tcp", *addrF)
	if err != nil {
		logger.Fatalf("failed to listen on %s: %v", *addrF, err)
	}

	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	classifier.RegisterClassifierServer(server, classifier.NewModelServer(model, logger))

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		logger.Printf("exiting (%v)", <-c)
		server.GracefulStop()
	}()

	logger.Printf("model server listening on %s", lis.Addr())
	if err := server.Serve(lis); err != nil {
		logger.Fatalf("serve: %v", err)
	}
	logger.Println("exited")
}
