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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livetrack/client"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/alwitt/livetrack/events"
	"github.com/alwitt/livetrack/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

const clientHandshakeTimeout = time.Second * 10

// TrackingClientCLIArgs arguments shared by the tracking clients
type TrackingClientCLIArgs struct {
	GatewayURL string `validate:"required,url"`
	Token      string `validate:"required"`
	ShipmentID string
}

// DriveCLIArgs arguments of the courier client
type DriveCLIArgs struct {
	TrackingClientCLIArgs
	Interval  time.Duration `validate:"gt=0"`
	Latitude  float64       `validate:"gte=-90,lte=90"`
	Longitude float64       `validate:"gte=-180,lte=180"`
	Address   string
}

// StatusCLIArgs arguments of the status event publisher
type StatusCLIArgs struct {
	ShipmentID string `validate:"required"`
	Status     string `validate:"required"`
}

// GetTrackingClientCLIFlags retrieve the set of CMD flags shared by the tracking clients
func GetTrackingClientCLIFlags(args *TrackingClientCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gateway-url",
			Usage:       "Tracking gateway base URL",
			Aliases:     []string{"g"},
			EnvVars:     []string{"GATEWAY_URL"},
			Value:       "ws://127.0.0.1:3002/",
			DefaultText: "ws://127.0.0.1:3002/",
			Destination: &args.GatewayURL,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Connection credential",
			Aliases:     []string{"t"},
			EnvVars:     []string{"TRACKING_TOKEN"},
			Destination: &args.Token,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "shipment",
			Usage:       "Shipment to track right away",
			Aliases:     []string{"s"},
			Destination: &args.ShipmentID,
			Required:    false,
		},
	}
}

// GetDriveCLIFlags retrieve the set of CMD flags for the courier client
func GetDriveCLIFlags(args *DriveCLIArgs) []cli.Flag {
	return append(GetTrackingClientCLIFlags(&args.TrackingClientCLIArgs),
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Interval between location updates",
			Aliases:     []string{"i"},
			Value:       time.Second * 5,
			DefaultText: "5s",
			Destination: &args.Interval,
			Required:    false,
		},
		&cli.Float64Flag{
			Name:        "lat",
			Usage:       "Latitude to report",
			Destination: &args.Latitude,
			Required:    true,
		},
		&cli.Float64Flag{
			Name:        "lng",
			Usage:       "Longitude to report",
			Destination: &args.Longitude,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "address",
			Usage:       "Address to report",
			Destination: &args.Address,
			Required:    false,
		},
	)
}

// GetStatusCLIFlags retrieve the set of CMD flags for the status event publisher
func GetStatusCLIFlags(args *StatusCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "shipment",
			Usage:       "Shipment which changed status",
			Aliases:     []string{"s"},
			Destination: &args.ShipmentID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "status",
			Usage:       "New shipment status",
			Destination: &args.Status,
			Required:    true,
		},
	}
}

// startTrackingClient connect the reconnecting client. The returned channel closes
// once the client gives up.
func startTrackingClient(
	runTimeContext context.Context,
	config common.ClientConfig,
	args TrackingClientCLIArgs,
	name string,
	wg *sync.WaitGroup,
) (*client.ReconnectController, chan error, error) {
	logTags := log.Fields{"module": "cmd", "component": name}
	dialer, err := client.GetWebSocketDialer(client.WebSocketDialerParams{
		GatewayURL:       args.GatewayURL,
		Token:            args.Token,
		ShipmentID:       args.ShipmentID,
		HandshakeTimeout: clientHandshakeTimeout,
		WriteTimeout:     clientHandshakeTimeout,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dialer")
		return nil, nil, err
	}
	fatal := make(chan error, 1)
	controller, err := client.GetReconnectController(
		runTimeContext, wg, name, dialer, client.ReconnectParams{
			RetryDelay:  common.Seconds(config.RetryDelay),
			MaxAttempts: config.MaxAttempts,
			OnStateChange: func(state client.ConnectionState) {
				log.WithFields(logTags).Infof("Connection %s", state)
			},
			OnMessage: func(msg models.OutboundMessage) {
				raw, err := json.Marshal(&msg)
				if err != nil {
					log.WithError(err).WithFields(logTags).Error("Unprintable message")
					return
				}
				fmt.Println(string(raw))
			},
			OnFatal: func(err error) {
				fatal <- err
				close(fatal)
			},
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reconnect controller")
		return nil, nil, err
	}
	if err := controller.Connect(); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Initial connection failed")
	}
	return controller, fatal, nil
}

// waitForClient block until the client gives up or the program stops
func waitForClient(
	runTimeContext context.Context, controller *client.ReconnectController, fatal chan error,
) error {
	select {
	case <-runTimeContext.Done():
		return controller.Disconnect()
	case err := <-fatal:
		if errors.Is(err, client.ErrTrackingEnded) {
			log.WithError(err).Info("Tracking ended")
			return nil
		}
		return err
	}
}

// RunWatchClient run an observer client, printing every message received
func RunWatchClient(
	runTimeContext context.Context,
	config common.ClientConfig,
	args TrackingClientCLIArgs,
	wg *sync.WaitGroup,
) error {
	if err := validator.New().Struct(&args); err != nil {
		log.WithError(err).Error("Invalid CMD args")
		return err
	}
	controller, fatal, err := startTrackingClient(runTimeContext, config, args, "watch", wg)
	if err != nil {
		return err
	}
	return waitForClient(runTimeContext, controller, fatal)
}

// RunDriveClient run a courier client, reporting a fixed position on an interval
func RunDriveClient(
	runTimeContext context.Context,
	config common.ClientConfig,
	args DriveCLIArgs,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{"module": "cmd", "component": "drive"}
	if err := validator.New().Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	controller, fatal, err := startTrackingClient(
		runTimeContext, config, args.TrackingClientCLIArgs, "drive", wg,
	)
	if err != nil {
		return err
	}

	localCtxt, cancel := context.WithCancel(runTimeContext)
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(args.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-localCtxt.Done():
				return
			case <-ticker.C:
				update := models.NewLocationUpdateRequest(
					args.Latitude, args.Longitude, args.Address, args.ShipmentID,
				)
				if err := controller.Send(update); err != nil {
					log.WithError(err).WithFields(logTags).Debug("Location update not sent")
				}
			}
		}
	}()
	return waitForClient(runTimeContext, controller, fatal)
}

// RunStatusPublisher publish one shipment status change event
func RunStatusPublisher(
	runTimeContext context.Context,
	natsConfig common.NATSConfig,
	args StatusCLIArgs,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{"module": "cmd", "component": "status"}
	publisher, err := events.GetStatusEventPublisher(
		natsClient, natsConfig.StatusEvents.SubjectPrefix,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status publisher")
		return err
	}
	event := models.ShipmentStatusEvent{
		ShipmentID: args.ShipmentID,
		Status:     models.ShipmentStatus(args.Status),
		ChangedAt:  time.Now().UTC(),
	}
	ctxt, cancel := context.WithTimeout(runTimeContext, time.Second*10)
	defer cancel()
	if err := publisher.Publish(ctxt, event); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to publish %s", event)
		return err
	}
	log.WithFields(logTags).Infof("Published %s", event)
	return nil
}
