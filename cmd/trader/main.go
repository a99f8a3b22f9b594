package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

var (
	host          string
	timeout       time.Duration
	ignoreTimeout bool
)

const defaultTimeout = time.Second * 10

func jsonOutput(in any) {
	j, err := json.MarshalIndent(in, "", " ")
	if err != nil {
		return
	}
	fmt.Println(string(j))
}

func setupClient(c *cli.Context) (*client, context.CancelFunc) {
	cancel := func() {}
	if !ignoreTimeout {
		c.Context, cancel = context.WithTimeout(c.Context, timeout)
	}
	return newClient(host), cancel
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "trader"
	app.EnableBashCompletion = true
	app.Usage = "command line interface for the simulated exchange"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "host",
			Value:       "localhost:8080",
			Usage:       "the exchange API host to connect to",
			EnvVars:     []string{"EXCHANGE_HOST"},
			Destination: &host,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Value:       defaultTimeout,
			Usage:       "the default context timeout value for requests",
			Destination: &timeout,
		},
		&cli.BoolFlag{
			Name:        "ignoretimeout",
			Aliases:     []string{"it"},
			Usage:       "ignores the context timeout for requests",
			Destination: &ignoreTimeout,
		},
	}
	app.Commands = []*cli.Command{
		limitOrderCommand,
		marketOrderCommand,
		cancelOrderCommand,
		getOrderCommand,
		getOrderbookCommand,
		getTradesCommand,
		getPnLCommand,
		setPriceCommand,
		healthCommand,
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
