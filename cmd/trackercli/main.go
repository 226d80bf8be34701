// Command trackercli talks to a running tracker: it lists live makers, watches an
// outpoint for mempool spends and builds maker announcement scripts.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/pkg/protocol"
	"github.com/bsv-blockchain/tracker/services/indexer"
	"github.com/bsv-blockchain/tracker/services/monitor"
	"github.com/bsv-blockchain/tracker/services/tracker"
	"github.com/bsv-blockchain/tracker/settings"
	jsoniter "github.com/json-iterator/go"
	"github.com/ordishs/gocore"
	"github.com/urfave/cli/v2"
)

var (
	version string
	commit  string
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "trackercli",
		Usage:     "query a maker tracker",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "tracker",
				Usage:   "tracker address (host:port)",
				Value:   "127.0.0.1:8080",
				EnvVars: []string{"TRACKER_ADDRESS"},
			},
			&cli.StringFlag{
				Name:  "socks",
				Usage: "SOCKS5 proxy to reach the tracker through, e.g. 127.0.0.1:9050",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "time allowed for the whole request",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "get",
				Usage:  "list the makers the tracker considers live",
				Action: get,
			},
			{
				Name:   "watch",
				Usage:  "show the spend status of an outpoint",
				Action: watch,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "outpoint",
						Usage:    "outpoint as txid:vout",
						Required: true,
					},
				},
			},
			{
				Name:   "announce",
				Usage:  "print the OP_RETURN script announcing a maker address",
				Action: announce,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "address",
						Usage:    "maker address as host:port",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "push",
						Usage: "push form: direct, pushdata1 or pushdata2",
						Value: indexer.PushDirect.String(),
					},
					&cli.BoolFlag{
						Name:  "onion",
						Usage: "require a .onion host",
					},
				},
			},
			{
				Name:   "settings",
				Usage:  "print the resolved configuration",
				Action: printSettings,
			},
		},
	}
}

func dial(c *cli.Context) (*tracker.Client, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))

	var dialer tracker.Dialer

	if socksAddr := c.String("socks"); socksAddr != "" {
		tSettings := &settings.Settings{Tracker: settings.TrackerSettings{SocksAddress: socksAddr}}
		dialer = monitor.NewSocksDialer(tSettings)
	}

	client, err := tracker.Dial(ctx, dialer, c.String("tracker"))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}

	return client, ctx, cancel, nil
}

func get(c *cli.Context) error {
	client, ctx, cancel, err := dial(c)
	if err != nil {
		return err
	}

	defer cancel()
	defer client.Close()

	addresses, err := client.Get(ctx)
	if err != nil {
		return err
	}

	for _, address := range addresses {
		fmt.Fprintln(c.App.Writer, address)
	}

	return nil
}

type spender struct {
	TxID      string    `json:"txid"`
	FirstSeen time.Time `json:"firstSeen"`
}

type watchOutput struct {
	Outpoint       string    `json:"outpoint"`
	Known          bool      `json:"known"`
	Confirmed      bool      `json:"confirmed"`
	Spent          bool      `json:"spent"`
	SpendConfirmed bool      `json:"spendConfirmed"`
	SpentBy        string    `json:"spentBy,omitempty"`
	MempoolSpends  []spender `json:"mempoolSpends"`
}

func newWatchOutput(outpoint model.Outpoint, resp protocol.Response) watchOutput {
	out := watchOutput{
		Outpoint:       outpoint.String(),
		Known:          resp.Spend.Known,
		Confirmed:      resp.Spend.Confirmed,
		Spent:          resp.Spend.Spent,
		SpendConfirmed: resp.Spend.SpendConfirmed,
		MempoolSpends:  make([]spender, 0, len(resp.MempoolTx)),
	}

	if resp.Spend.SpentBy != nil {
		out.SpentBy = resp.Spend.SpentBy.String()
	}

	for _, tx := range resp.MempoolTx {
		out.MempoolSpends = append(out.MempoolSpends, spender{TxID: tx.TxID.String(), FirstSeen: tx.FirstSeen})
	}

	return out
}

func watch(c *cli.Context) error {
	outpoint, err := model.ParseOutpoint(c.String("outpoint"))
	if err != nil {
		return err
	}

	client, ctx, cancel, err := dial(c)
	if err != nil {
		return err
	}

	defer cancel()
	defer client.Close()

	resp, err := client.Watch(ctx, outpoint)
	if err != nil {
		return err
	}

	b, err := jsoniter.MarshalIndent(newWatchOutput(outpoint, resp), "", "  ")
	if err != nil {
		return errors.NewProcessingError("could not render watch response", err)
	}

	fmt.Fprintln(c.App.Writer, string(b))

	return nil
}

func parsePushForm(s string) (indexer.PushForm, error) {
	for _, form := range []indexer.PushForm{indexer.PushDirect, indexer.PushData1, indexer.PushData2} {
		if strings.EqualFold(s, form.String()) {
			return form, nil
		}
	}

	return 0, errors.NewInvalidArgumentError("unknown push form %q", s)
}

func announce(c *cli.Context) error {
	form, err := parsePushForm(c.String("push"))
	if err != nil {
		return err
	}

	address := c.String("address")

	if err = indexer.ValidateAddress(address, c.Bool("onion")); err != nil {
		return err
	}

	script, err := indexer.EncodeAnnouncement(address, form)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, hex.EncodeToString(script))

	return nil
}

func printSettings(c *cli.Context) error {
	stats := gocore.Config().Stats()
	fmt.Fprintf(c.App.Writer, "STATS\n%s\nVERSION\n-------\n%s (%s)\n\n", stats, version, commit)

	return nil
}
