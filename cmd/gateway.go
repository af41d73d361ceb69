// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livetrack/apis"
	"github.com/alwitt/livetrack/auth"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/alwitt/livetrack/directory"
	"github.com/alwitt/livetrack/events"
	"github.com/alwitt/livetrack/storage"
	"github.com/alwitt/livetrack/tracking"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineDirectory select the shipment directory the config names
func defineDirectory(
	config *common.DirectoryConfig, requestIDHeader string,
) (directory.ShipmentDirectory, error) {
	switch {
	case len(config.BaseURL) > 0 && len(config.StaticFile) > 0:
		return nil, fmt.Errorf("directory base_url and static_file are mutually exclusive")
	case len(config.BaseURL) > 0:
		return directory.GetRESTDirectory(directory.RESTDirectoryParams{
			BaseURL:         config.BaseURL,
			RequestTimeout:  common.Seconds(config.RequestTimeout),
			RequestIDHeader: requestIDHeader,
		})
	case len(config.StaticFile) > 0:
		return directory.LoadStaticDirectory(config.StaticFile)
	}
	return nil, fmt.Errorf("directory needs either base_url or static_file")
}

// RunGatewayServer run the tracking gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	if config.Gateway == nil || config.Auth == nil || config.Directory == nil {
		return fmt.Errorf("gateway needs the gateway, auth and directory config sections")
	}
	validate := validator.New()
	if err := validate.Struct(config.Gateway); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return err
	}
	gatewayCfg := config.Gateway

	// -------------------------------------------------------------------
	// Collaborators

	history, err := storage.GetJetStreamHistory(natsClient, storage.JetStreamHistoryParams{
		Stream:        config.NATS.History.Stream,
		SubjectPrefix: config.NATS.History.SubjectPrefix,
		MaxAge:        time.Hour * time.Duration(config.NATS.History.MaxAge),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define location history")
		return err
	}

	shipments, err := defineDirectory(
		config.Directory, gatewayCfg.HTTPSetting.Logging.RequestIDHeader,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define shipment directory")
		return err
	}

	verifier, err := auth.GetJWTVerifier(config.Auth.JWTSecret, config.Auth.Issuer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return err
	}

	// -------------------------------------------------------------------
	// Tracking core

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	trackingCfg := gatewayCfg.Tracking
	svc, err := tracking.GetService(localCtxt, tracking.ServiceParams{
		Verifier:   verifier,
		Directory:  shipments,
		History:    history,
		CrossCheck: config.Directory.CrossCheck,
		Persistence: tracking.PersistenceThrottlerParams{
			Every:         trackingCfg.PersistEvery,
			Workers:       trackingCfg.PersistenceWorkers,
			QueueLen:      trackingCfg.PersistenceQueueLen,
			SubmitTimeout: time.Millisecond * time.Duration(trackingCfg.PersistenceSubmitTimeout),
			WriteTimeout:  common.Seconds(trackingCfg.PersistenceWriteTimeout),
		},
		TerminalRetention: common.Seconds(trackingCfg.TerminalRetention),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tracking service")
		return err
	}
	if err := svc.Start(localCtxt, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start tracking service")
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Tracking service stop failed")
		}
	}()

	statusFeed, err := events.GetStatusEventReceiver(
		localCtxt, natsClient, config.NATS.StatusEvents.SubjectPrefix,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status event receiver")
		return err
	}
	if err := statusFeed.Subscribe(wg, svc.Lifecycle.HandleStatusChange); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe to status events")
		return err
	}

	httpHandler, err := apis.GetAPIRestTrackingHandler(
		svc, &gatewayCfg.HTTPSetting, trackingCfg,
		func() error {
			if !natsClient.Connected() {
				return fmt.Errorf("NATS not connected")
			}
			return nil
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.BuildTrackingRouter(httpHandler, gatewayCfg.Endpoints.PathPrefix)

	serverCfg := gatewayCfg.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  common.Seconds(serverCfg.ReadTimeout),
		WriteTimeout: common.Seconds(serverCfg.WriteTimeout),
		IdleTimeout:  common.Seconds(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
