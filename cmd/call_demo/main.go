// call_demo проводит звонок между двумя сессиями в одном процессе
// поверх loopback медиа-движка и выбранного сигнального транспорта.
//
//	call_demo -transport ws -audio -hold 2s -history ./data/history.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/call_api/pkg/logging"
)

func main() {
	opts := defaultOptions()
	var (
		callerID, calleeID uint
		timeout            time.Duration
		verbose            bool
	)
	flag.StringVar(&opts.Transport, "transport", opts.Transport, "signaling transport: memory, ws, sip, dtls")
	flag.UintVar(&callerID, "caller", uint(opts.CallerID), "caller user id")
	flag.UintVar(&calleeID, "callee", uint(opts.CalleeID), "callee user id")
	flag.BoolVar(&opts.Audio, "audio", false, "audio call instead of video")
	flag.DurationVar(&opts.Hold, "hold", opts.Hold, "how long the call stays connected")
	flag.StringVar(&opts.HistoryPath, "history", opts.HistoryPath, "call history database path")
	flag.BoolVar(&opts.Receipts, "receipts", false, "enable delivery receipts")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "overall demo timeout")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()
	opts.CallerID, opts.CalleeID = uint32(callerID), uint32(calleeID)

	logger := logging.NewConsoleLogger(os.Stderr)
	if verbose {
		logger.SetLevel(logging.LogLevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := runDemo(ctx, opts, logger)
	if err != nil {
		logger.LogError(ctx, err, "демонстрация не удалась", logging.String("transport", opts.Transport))
		os.Exit(1)
	}

	fmt.Printf("call %s over %s\n", res.CallID, opts.Transport)
	fmt.Printf("  caller states: %v\n", res.Caller)
	fmt.Printf("  callee states: %v\n", res.Callee)
	for _, e := range res.History {
		fmt.Printf("  history user=%d peer=%d %s %s duration=%s end=%s/%s\n",
			e.SelfUserID, e.PeerUserID, e.Direction, e.Kind,
			e.Duration().Round(time.Millisecond), e.EndState, e.EndReason)
	}
}
