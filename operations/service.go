package operations

import (
	"context"
	"net/http"
	"time"

	"github.com/evergreen-ci/ticketer"
	"github.com/evergreen-ci/ticketer/service"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const (
	configFlagName = "config"
	addrFlagName   = "addr"
)

// Service returns the command that runs the reporting web service.
func Service() cli.Command {
	return cli.Command{
		Name:  "service",
		Usage: "run the test issue reporting service",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  configFlagName,
				Usage: "path to the service configuration file",
				Value: "ticketer.yml",
			},
			cli.StringFlag{
				Name:  addrFlagName,
				Usage: "address to listen on",
				Value: ":3000",
			},
		},
		Action: func(c *cli.Context) error {
			settings, err := ticketer.NewSettings(c.String(configFlagName))
			if err != nil {
				return errors.Wrap(err, "loading settings")
			}

			svc, err := service.New(settings)
			if err != nil {
				return errors.Wrap(err, "constructing service")
			}
			defer svc.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err = svc.Start(ctx); err != nil {
				return err
			}

			handler, err := svc.Handler()
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              c.String(addrFlagName),
				Handler:           handler,
				ReadTimeout:       time.Minute,
				ReadHeaderTimeout: 30 * time.Second,
				WriteTimeout:      time.Minute,
			}

			grip.Info(message.Fields{
				"message": "starting reporting service",
				"addr":    srv.Addr,
			})
			return errors.Wrap(srv.ListenAndServe(), "running web service")
		},
	}
}
