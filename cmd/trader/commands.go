package main

import (
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/uhyunpark/simexchange/pkg/api"
)

var (
	errMissingID       = errors.New("order id is required")
	errInvalidQuantity = errors.New("quantity must be a positive integer")
)

var limitOrderCommand = &cli.Command{
	Name:      "limit",
	Usage:     "submits a limit order",
	ArgsUsage: "<id> <side> <price> <quantity>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "client chosen order id"},
		&cli.StringFlag{Name: "side", Usage: "buy or sell"},
		&cli.StringFlag{Name: "price", Usage: "limit price"},
		&cli.Int64Flag{Name: "quantity", Aliases: []string{"q"}, Usage: "order quantity"},
		&cli.StringFlag{Name: "stoploss", Aliases: []string{"sl"}, Usage: "fill the remaining quantity at market when the price falls to this level"},
		&cli.StringFlag{Name: "takeprofit", Aliases: []string{"tp"}, Usage: "fill the remaining quantity at market when the price rises to this level"},
	},
	Action: submitLimitOrder,
}

var marketOrderCommand = &cli.Command{
	Name:      "market",
	Usage:     "submits a market order; any unfilled quantity is dropped",
	ArgsUsage: "<side> <quantity>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "side", Usage: "buy or sell"},
		&cli.Int64Flag{Name: "quantity", Aliases: []string{"q"}, Usage: "order quantity"},
	},
	Action: submitMarketOrder,
}

var cancelOrderCommand = &cli.Command{
	Name:      "cancel",
	Usage:     "cancels a resting order",
	ArgsUsage: "<id>",
	Flags:     []cli.Flag{&cli.StringFlag{Name: "id", Usage: "order id"}},
	Action:    cancelOrder,
}

var getOrderCommand = &cli.Command{
	Name:      "order",
	Usage:     "gets a resting order",
	ArgsUsage: "<id>",
	Flags:     []cli.Flag{&cli.StringFlag{Name: "id", Usage: "order id"}},
	Action:    getOrder,
}

var getOrderbookCommand = &cli.Command{
	Name:   "book",
	Usage:  "gets the order book aggregated by price level",
	Action: getOrderbook,
}

var getTradesCommand = &cli.Command{
	Name:  "trades",
	Usage: "gets executed trades",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "after", Usage: "only trades with a sequence number greater than this"},
		&cli.BoolFlag{Name: "archive", Usage: "read the newest trades from the on-disk archive"},
		&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum number of archived trades"},
	},
	Action: getTrades,
}

var getPnLCommand = &cli.Command{
	Name:   "pnl",
	Usage:  "gets capital and profit and loss",
	Action: getPnL,
}

var setPriceCommand = &cli.Command{
	Name:      "price",
	Usage:     "publishes a market price tick",
	ArgsUsage: "<price>",
	Flags:     []cli.Flag{&cli.StringFlag{Name: "price", Usage: "new market price"}},
	Action:    setPrice,
}

var healthCommand = &cli.Command{
	Name:   "health",
	Usage:  "gets the exchange health and state hash",
	Action: getHealth,
}

// stringArg returns the named flag if set, else the positional argument at i.
func stringArg(c *cli.Context, name string, i int) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	return c.Args().Get(i)
}

func quantityArg(c *cli.Context, i int) (int64, error) {
	if c.IsSet("quantity") {
		if q := c.Int64("quantity"); q > 0 {
			return q, nil
		}
		return 0, errInvalidQuantity
	}
	q, err := strconv.ParseInt(c.Args().Get(i), 10, 64)
	if err != nil || q <= 0 {
		return 0, errInvalidQuantity
	}
	return q, nil
}

func optionalDecimal(c *cli.Context, name string) (*decimal.Decimal, error) {
	if !c.IsSet(name) {
		return nil, nil
	}
	v, err := decimal.NewFromString(c.String(name))
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func submitLimitOrder(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}

	req := api.LimitOrderRequest{
		ID:   stringArg(c, "id", 0),
		Side: stringArg(c, "side", 1),
	}
	if req.ID == "" {
		return errMissingID
	}
	price, err := decimal.NewFromString(stringArg(c, "price", 2))
	if err != nil {
		return err
	}
	req.Price = price
	if req.Quantity, err = quantityArg(c, 3); err != nil {
		return err
	}
	if req.StopLoss, err = optionalDecimal(c, "stoploss"); err != nil {
		return err
	}
	if req.TakeProfit, err = optionalDecimal(c, "takeprofit"); err != nil {
		return err
	}

	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.submitLimit(c.Context, req)
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func submitMarketOrder(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}

	req := api.MarketOrderRequest{Side: stringArg(c, "side", 0)}
	var err error
	if req.Quantity, err = quantityArg(c, 1); err != nil {
		return err
	}

	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.submitMarket(c.Context, req)
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func cancelOrder(c *cli.Context) error {
	id := stringArg(c, "id", 0)
	if id == "" {
		return errMissingID
	}

	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.cancel(c.Context, id)
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func getOrder(c *cli.Context) error {
	id := stringArg(c, "id", 0)
	if id == "" {
		return errMissingID
	}

	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.order(c.Context, id)
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func getOrderbook(c *cli.Context) error {
	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.orderbook(c.Context)
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func getTrades(c *cli.Context) error {
	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.trades(c.Context, c.Uint64("after"), c.Bool("archive"), c.Int("limit"))
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func getPnL(c *cli.Context) error {
	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.pnl(c.Context)
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func setPrice(c *cli.Context) error {
	if c.NArg() == 0 && c.NumFlags() == 0 {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}
	price, err := decimal.NewFromString(stringArg(c, "price", 0))
	if err != nil {
		return err
	}

	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.setPrice(c.Context, api.PriceTickRequest{Price: price})
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}

func getHealth(c *cli.Context) error {
	cl, cancel := setupClient(c)
	defer cancel()
	resp, err := cl.health(c.Context)
	if err != nil {
		return err
	}
	jsonOutput(resp)
	return nil
}
