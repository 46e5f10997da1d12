package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/call_api/pkg/callapi"
	"github.com/arzzra/call_api/pkg/logging"
	"github.com/arzzra/call_api/pkg/relay"
	"github.com/arzzra/call_api/pkg/signaling/dtlslink"
	"github.com/arzzra/call_api/pkg/signaling/memory"
	"github.com/arzzra/call_api/pkg/signaling/sipmsg"
	"github.com/arzzra/call_api/pkg/signaling/wsclient"
)

// Виды сигнального транспорта демонстрации
const (
	TransportMemory = "memory"
	TransportWS     = "ws"
	TransportSIP    = "sip"
	TransportDTLS   = "dtls"
)

// transportPair транспорты вызывающего и вызываемого
type transportPair struct {
	caller, callee callapi.SignalingTransport
	cleanup        func()
}

func newTransportPair(ctx context.Context, kind, callerID, calleeID string, logger logging.StructuredLogger) (*transportPair, error) {
	switch kind {
	case TransportMemory:
		bus := memory.NewBus(logger)
		return &transportPair{caller: bus.Endpoint(callerID), callee: bus.Endpoint(calleeID), cleanup: func() {}}, nil
	case TransportWS:
		return newWSPair(callerID, calleeID, logger)
	case TransportSIP:
		return newSIPPair(ctx, callerID, calleeID, logger)
	case TransportDTLS:
		return newDTLSPair(ctx, callerID, calleeID, logger)
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// newWSPair поднимает ретранслятор на локальном порту и подключает к нему оба клиента
func newWSPair(callerID, calleeID string, logger logging.StructuredLogger) (*transportPair, error) {
	server, err := relay.NewServer(relay.DefaultConfig([]byte("call-demo")),
		relay.WithLogger(logger), relay.WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen relay: %w", err)
	}
	srv := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(context.Background(), err, "ошибка ретранслятора")
		}
	}()
	cleanup := func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}

	url := "ws://" + ln.Addr().String() + "/ws"
	client := func(userID string) (*wsclient.Client, error) {
		token, err := server.Authenticator().Issue(userID, time.Hour)
		if err != nil {
			return nil, err
		}
		return wsclient.New(wsclient.DefaultConfig(url, token), logger)
	}
	caller, err := client(callerID)
	if err != nil {
		cleanup()
		return nil, err
	}
	callee, err := client(calleeID)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &transportPair{caller: caller, callee: callee, cleanup: cleanup}, nil
}

// newSIPPair запускает оба SIP транспорта заранее, чтобы узнать их адреса
func newSIPPair(ctx context.Context, callerID, calleeID string, logger logging.StructuredLogger) (*transportPair, error) {
	caller, err := sipmsg.New(sipmsg.DefaultConfig(callerID, "127.0.0.1:0"), logger)
	if err != nil {
		return nil, err
	}
	callee, err := sipmsg.New(sipmsg.DefaultConfig(calleeID, "127.0.0.1:0"), logger)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		_ = caller.Close()
		_ = callee.Close()
	}
	if err := caller.Connect(ctx); err != nil {
		return nil, err
	}
	if err := callee.Connect(ctx); err != nil {
		cleanup()
		return nil, err
	}
	if err := caller.AddPeer(calleeID, callee.Addr().String()); err != nil {
		cleanup()
		return nil, err
	}
	if err := callee.AddPeer(callerID, caller.Addr().String()); err != nil {
		cleanup()
		return nil, err
	}
	return &transportPair{caller: caller, callee: callee, cleanup: cleanup}, nil
}

// newDTLSPair вызываемый слушает, вызывающий подключается при подготовке сессии
func newDTLSPair(ctx context.Context, callerID, calleeID string, logger logging.StructuredLogger) (*transportPair, error) {
	psk := []byte("call-demo-psk")

	lcfg := dtlslink.DefaultConfig(calleeID, callerID, psk)
	lcfg.Mode = dtlslink.ModeListen
	lcfg.LocalAddr = "127.0.0.1:0"
	callee, err := dtlslink.New(lcfg, logger)
	if err != nil {
		return nil, err
	}
	if err := callee.Connect(ctx); err != nil {
		return nil, err
	}

	dcfg := dtlslink.DefaultConfig(callerID, calleeID, psk)
	dcfg.RemoteAddr = callee.Addr().String()
	caller, err := dtlslink.New(dcfg, logger)
	if err != nil {
		_ = callee.Close()
		return nil, err
	}
	return &transportPair{caller: caller, callee: callee, cleanup: func() {
		_ = caller.Close()
		_ = callee.Close()
	}}, nil
}
