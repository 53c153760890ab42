// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	_ "github.com/kardianos/minwinsvc"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/syncengine/clientapi"
	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/roomserver"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi"
	"github.com/element-hq/syncengine/userapi"
)

// HTTPServerTimeout bounds writing a response. It must stay above the
// longest sync timeout a client can ask for.
const HTTPServerTimeout = time.Minute * 5

var (
	configPath  = flag.String("config", "syncengine.yaml", "The path to the config file")
	httpAddress = flag.String("http-bind-address", ":8008", "The HTTP listening address for the server")
	version     = flag.Bool("version", false, "Shows the current version and exits immediately.")
)

func main() {
	flag.Parse()
	if *version {
		fmt.Println(internal.VersionString())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)
	logrus.Infof("syncengine version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			Release:          "syncengine@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	processCtx := process.NewProcessContext()
	natsInstance := &jetstream.NATSInstance{}
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)
	routers := httputil.NewRouters()
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Metrics.Enabled)

	// The roomserver writes and the sync API reads the same store, so
	// they must agree on the room locks.
	roomLocks := roomlock.NewRegistry()
	syncDB := syncapi.NewDatabase(cm, cfg, caches, roomLocks)

	userAPI := userapi.NewInternalAPI(processCtx, cfg, cm, natsInstance)
	rsAPI := roomserver.NewInternalAPI(processCtx, cfg, natsInstance, syncDB, roomLocks)

	clientapi.AddPublicRoutes(processCtx, routers, cfg, natsInstance, rsAPI, userAPI)
	syncapi.AddPublicRoutes(processCtx, routers, cfg, natsInstance, syncDB, userAPI, roomLocks)

	if cfg.Global.Metrics.Enabled {
		upCounter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncengine",
			Name:      "up",
			ConstLabels: map[string]string{
				"version": internal.VersionString(),
			},
		})
		upCounter.Add(1)
		prometheus.MustRegister(upCounter)
	}

	srv := &http.Server{
		Addr:         *httpAddress,
		WriteTimeout: HTTPServerTimeout,
		Handler:      externalRouter(cfg, routers),
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}

	g, ctx := errgroup.WithContext(processCtx.Context())
	g.Go(func() error {
		logrus.Infof("Starting external listener on %s", srv.Addr)
		processCtx.ComponentStarted()
		defer processCtx.ComponentFinished()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logrus.Infof("Stopped HTTP listener on %s", srv.Addr)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-processCtx.WaitForShutdown():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	go handleSignals(processCtx)

	if err = g.Wait(); err != nil {
		logrus.WithError(err).Error("HTTP server failed")
	}
	processCtx.Shutdown()
	processCtx.WaitForComponentsToFinish()
}

func externalRouter(cfg *config.SyncEngine, routers httputil.Routers) http.Handler {
	router := mux.NewRouter().SkipClean(true).UseEncodedPath()

	var clientHandler http.Handler = gzhttp.GzipHandler(routers.Client)
	if cfg.Global.Sentry.Enabled {
		clientHandler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(clientHandler)
	}
	router.PathPrefix(httputil.PublicClientPathPrefix).Handler(clientHandler)

	if cfg.Global.Metrics.Enabled {
		router.Handle(httputil.MetricsPath, httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Global.Metrics.BasicAuth.Username,
			Password: cfg.Global.Metrics.BasicAuth.Password,
		}))
	}

	router.NotFoundHandler = httputil.NotFoundCORSHandler
	router.MethodNotAllowedHandler = httputil.NotAllowedHandler
	return router
}
