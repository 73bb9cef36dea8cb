// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package web

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/metric"
)

var log = logger.LogContainer.GetSimpleLogger()

// WebServer is the struct that holds all necessary information
// for a single port on which web services are served on
type WebServer struct {
	Mux      *http.ServeMux
	Serv     *http.Server
	Listener net.Listener
}

// NewWebserver returns a pointer to a new WebServer struct and
// initialises it with a new http.ServeMux serving /metrics
func NewWebserver() *WebServer {
	w := &WebServer{
		Mux: http.NewServeMux(),
	}
	metric.StartMetrics(w.Mux)
	return w
}

// SetServer fills the WebServer struct and starts a net.Listener on addr.
// A zero port picks a free one.
func (w *WebServer) SetServer(addr string) error {
	w.Serv = &http.Server{
		Addr:    addr,
		Handler: w.Mux,
	}
	var err error
	w.Listener, err = net.Listen("tcp", addr)
	return err
}

// Serve serves HTTP on the listener until Shutdown is called.
func (w *WebServer) Serve() error {
	log.Infow("Serving metrics", "addr", w.Listener.Addr().String())
	if err := w.Serv.Serve(w.Listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.Serv.Shutdown(ctx)
}
