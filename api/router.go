package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

// RunServer method launches the report api server, bound to the loopback address if _local_
// is true or to the configured address otherwise, until the context is cancelled
func RunServer(ctx context.Context, cancel context.CancelFunc, local bool) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
		}
		cancel()
	}()

	listenHost := shared.CloseCheckConfig.APIAddress
	if local || len(listenHost) == 0 {
		listenHost = "127.0.0.1"
	}
	listenAddr := fmt.Sprintf("%s:%d", listenHost, shared.CloseCheckConfig.APIPort)
	logger.Info("Opening API Server on: %s", listenAddr)

	srv := newServer(listenAddr, newRouter(), ctx)
	go func() {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("PANIC: %v", err)
				debug.PrintStack()
			}
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown: %v", err)
	}
	logger.Info("API Server closed")
}

// newServer returns the http server for the router, with cors headers handling
func newServer(addr string, rtr *APIRouter, ctx context.Context) *http.Server {
	corsRouterHandler := cors.Default().Handler(rtr)

	return &http.Server{
		Addr:              addr,
		Handler:           corsRouterHandler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
}

// newRouter returns the router with all the report apis registered
func newRouter() *APIRouter {
	rtr := &APIRouter{
		handler: httprouter.New(),
		metrics: VerdictMetrics,
	}
	rtr.handler.RedirectTrailingSlash = true
	rtr.handler.RedirectFixedPath = true
	rtr.handler.HandleMethodNotAllowed = true
	rtr.handler.NotFound = &notFoundHandler{}
	rtr.handler.MethodNotAllowed = &methodsNotAllowedHandler{}

	rtr.registerAPIMethod("GET", API_VERDICTS_PATH, apiVerdicts)
	rtr.registerAPIMethod("GET", API_VERDICT_PATH, apiVerdict)
	rtr.registerAPIMethod("GET", API_SCENARIOS_PATH, apiStatisticsScenarios)
	rtr.registerAPIMethod("GET", API_STATISTICS_PATH, apiStatisticsData)
	rtr.registerAPIMethod("GET", API_VERSION_PATH, apiVersion)

	rtr.handler.Handler("GET", API_METRICS_PATH,
		promhttp.HandlerFor(rtr.metrics.Registry(), promhttp.HandlerOpts{}))
	return rtr
}

// registerAPIMethod registers the handler under the api prefix, filtering requests which do
// not accept a json response
func (r *APIRouter) registerAPIMethod(method, path string, handle httprouter.Handle) {
	r.handler.Handle(method, API_PREFIX+path, apiFilter(handle))
}

// apiFilter rejects with status 400 the requests that explicitly do not accept json
func apiFilter(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		accept := r.Header.Get("Accept")
		if len(accept) > 0 && !strings.Contains(accept, "application/json") && !strings.Contains(accept, "*/*") {
			logger.Info("Request rejected, not accepting json: %s", accept)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		next(w, r, ps)
	}
}

// ServeHTTP logs the request and dispatches it to the registered handlers
func (r *APIRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	logger.Debug("%s", formatRequest(req))
	r.handler.ServeHTTP(w, req)
}

func (n *notFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Info("Not found: %s %s", r.Method, r.URL.Path)
	w.WriteHeader(http.StatusNotFound)
}

func (n *methodsNotAllowedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Info("Method not allowed: %s %s", r.Method, r.URL.Path)
	w.WriteHeader(http.StatusMethodNotAllowed)
}
