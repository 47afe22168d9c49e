package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"

	"clipwatch/internal/middleware"
	"clipwatch/internal/services"
)

// handleHTTPServer configures and starts a HTTP server on the given URL. It
// shuts down the server once ctx is done.
func handleHTTPServer(ctx context.Context, u *url.URL, server *services.HTTPServer, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {
	// Build the service HTTP request multiplexer and configure it to serve
	// HTTP requests to the service endpoints.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}

	server.Mount(mux)

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the service endpoints.
	var handler http.Handler = mux
	{
		if debug {
			// Debug buffers responses; the MJPEG stream is unusable in this mode.
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = middleware.RequestLogger(logger)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	// No write timeout: /video/stream and /ws/metrics are long-lived.
	srv := &http.Server{Addr: u.Host, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range server.Mounts {
		logger.Printf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", u.Host)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", u.Host)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
