package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"lendingcore/cmd/internal/secret"
	"lendingcore/services/lending/client"
	"lendingcore/services/lending/engine"
)

const (
	envEndpoint = "LENDINGD_URL"
	envToken    = "LENDINGD_API_TOKEN"
	envJWT      = "LENDINGD_JWT"
)

// globals holds the flags shared by every command.
type globals struct {
	endpoint string
	token    string
	bearer   string
	timeout  time.Duration
}

var (
	lookupEnv   = os.LookupEnv
	tokenSource = func() (string, error) { return secret.NewSource(envToken, "lendingd API token: ").Get() }
	dial        = func(g globals) (engine.Engine, error) {
		opts := []client.Option{}
		if g.bearer != "" {
			opts = append(opts, client.WithBearer(g.bearer))
		} else {
			opts = append(opts, client.WithAPIToken(g.token))
		}
		return client.New(g.endpoint, opts...)
	}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	g := globals{endpoint: "http://127.0.0.1:8080", timeout: 15 * time.Second}
	if value, ok := lookupEnv(envEndpoint); ok && strings.TrimSpace(value) != "" {
		g.endpoint = strings.TrimSpace(value)
	}
	if value, ok := lookupEnv(envJWT); ok {
		g.bearer = strings.TrimSpace(value)
	}

	fs := flag.NewFlagSet("lendingctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.endpoint, "endpoint", g.endpoint, "lendingd base URL (env "+envEndpoint+")")
	fs.StringVar(&g.bearer, "jwt", g.bearer, "owner-scoped bearer token (env "+envJWT+")")
	fs.DurationVar(&g.timeout, "timeout", g.timeout, "request timeout")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	if g.bearer == "" {
		token, err := tokenSource()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		g.token = token
	}
	api, err := dial(g)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	result, err := dispatch(ctx, api, rest[0], rest[1:], stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(stderr, "Error: encode output: %v\n", err)
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, api engine.Engine, command string, args []string, stderr io.Writer) (interface{}, error) {
	switch command {
	case "pools":
		if len(args) == 1 {
			return api.GetPool(ctx, args[0])
		}
		return api.ListPools(ctx)
	case "pool-init":
		req, err := parsePoolRequest(args, stderr)
		if err != nil {
			return nil, err
		}
		return api.InitPool(ctx, req)
	case "open":
		owner, err := exactArgs(command, args, "<owner>")
		if err != nil {
			return nil, err
		}
		return api.OpenPosition(ctx, owner[0])
	case "position":
		owner, err := exactArgs(command, args, "<owner>")
		if err != nil {
			return nil, err
		}
		return api.GetPosition(ctx, owner[0])
	case "health":
		owner, err := exactArgs(command, args, "<owner>")
		if err != nil {
			return nil, err
		}
		return api.GetHealth(ctx, owner[0])
	case "deposit", "borrow", "repay", "withdraw":
		parts, err := exactArgs(command, args, "<owner> <asset> <amount>")
		if err != nil {
			return nil, err
		}
		owner, asset, amount := parts[0], parts[1], parts[2]
		switch command {
		case "deposit":
			return api.Deposit(ctx, owner, asset, amount)
		case "borrow":
			return api.Borrow(ctx, owner, asset, amount)
		case "repay":
			return api.Repay(ctx, owner, asset, amount)
		default:
			return api.Withdraw(ctx, owner, asset, amount)
		}
	default:
		return nil, fmt.Errorf("unknown command %q\n%s", command, usage())
	}
}

func exactArgs(command string, args []string, shape string) ([]string, error) {
	want := len(strings.Fields(shape))
	if len(args) != want {
		return nil, fmt.Errorf("usage: lendingctl %s %s", command, shape)
	}
	return args, nil
}

func parsePoolRequest(args []string, stderr io.Writer) (engine.PoolRequest, error) {
	var req engine.PoolRequest
	var decimals uint
	var annualRate uint64
	fs := flag.NewFlagSet("lendingctl pool-init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&req.Asset, "asset", "", "asset symbol")
	fs.UintVar(&decimals, "decimals", 0, "asset decimals")
	fs.Uint64Var(&req.MaxLTVBps, "max-ltv-bps", 0, "maximum loan-to-value in basis points")
	fs.Uint64Var(&req.LiquidationThresholdBps, "liquidation-threshold-bps", 0, "liquidation threshold in basis points")
	fs.Uint64Var(&req.LiquidationBonusBps, "liquidation-bonus-bps", 0, "liquidation bonus in basis points")
	fs.Uint64Var(&req.LiquidationCloseFactorBps, "close-factor-bps", 0, "liquidation close factor in basis points")
	fs.Uint64Var(&annualRate, "annual-rate-bps", 0, "annual interest rate in basis points (omit for the default, 0 never accrues)")
	fs.StringVar(&req.CollateralAsset, "collateral", "", "collateral asset backing borrows")
	if err := fs.Parse(args); err != nil {
		return req, err
	}
	if strings.TrimSpace(req.Asset) == "" {
		return req, fmt.Errorf("--asset is required")
	}
	if decimals > 255 {
		return req, fmt.Errorf("--decimals must fit in a byte")
	}
	req.Decimals = uint8(decimals)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "annual-rate-bps" {
			req.AnnualRateBps = &annualRate
		}
	})
	return req, nil
}

func usage() string {
	return strings.Join([]string{
		"Usage: lendingctl [-endpoint URL] [-jwt TOKEN] <command> [args]",
		"",
		"Commands:",
		"  pools [asset]                          list pools or show one",
		"  pool-init --asset A --decimals N ...   list a new pool (operator token)",
		"  open <owner>                           open a position",
		"  position <owner>                       show a position",
		"  health <owner>                         show health lines",
		"  deposit|borrow|repay|withdraw <owner> <asset> <amount>",
		"",
		"The operator token is read from " + envToken + " or prompted for.",
	}, "\n")
}
