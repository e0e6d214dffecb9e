package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/operational-cognos/gateway/pkg/cache"
	"github.com/operational-cognos/gateway/pkg/config"
	"github.com/operational-cognos/gateway/pkg/report"
	"github.com/operational-cognos/gateway/pkg/storage"
)

const gatewayKeyEnv = "COGNOS_GATEWAY_API_KEY"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(".env")
	case "trace":
		err = withStore(func(ctx context.Context, s storage.Store) error {
			return runTrace(ctx, s, os.Args[2:], os.Stdout)
		})
	case "report":
		err = withStore(func(ctx context.Context, s storage.Store) error {
			return runReport(ctx, s, os.Args[2:], os.Stdout)
		})
	case "usage":
		err = withStore(func(ctx context.Context, s storage.Store) error {
			return runUsage(ctx, s, os.Stdout)
		})
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "cognos-admin commands:")
	fmt.Fprintln(w, "  init                          Generate a gateway API key and store it in .env")
	fmt.Fprintln(w, "  trace <trace_id>              Print a stored trace record")
	fmt.Fprintln(w, "  report [flags] <trace_id>...  Build a trust report over trace ids")
	fmt.Fprintln(w, "     flags: -regime -format")
	fmt.Fprintln(w, "  usage                         Print request and token totals")
}

// withStore opens the configured trace store for one command.
func withStore(fn func(context.Context, storage.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rdb *cache.Client
	if cfg.Storage.Backend == config.BackendRedis {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
	}
	store, err := storage.Open(ctx, cfg.Storage, rdb)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func runInit(envFile string) error {
	key, err := generateGatewayKey()
	if err != nil {
		return fmt.Errorf("generate gateway key: %w", err)
	}
	if err := writeEnvKey(envFile, gatewayKeyEnv, key); err != nil {
		return fmt.Errorf("write %s: %w", envFile, err)
	}
	fmt.Printf("Gateway key: %s\nSaved to %s (%s).\n", key, envFile, gatewayKeyEnv)
	return nil
}

func runTrace(ctx context.Context, s storage.Reader, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: cognos-admin trace <trace_id>")
	}
	rec, err := s.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(out, rec)
}

func runReport(ctx context.Context, s storage.Reader, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("report", flag.ContinueOnError)
	regime := fset.String("regime", "DEFAULT", "Compliance regime recorded on the report")
	format := fset.String("format", report.FormatJSON, "Report format: json or pdf")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *format != report.FormatJSON && *format != report.FormatPDF {
		return fmt.Errorf("unknown format %q", *format)
	}

	rep, err := report.NewBuilder(s).Build(ctx, fset.Args(), *regime, *format)
	if err != nil {
		return err
	}
	return printJSON(out, rep)
}

func runUsage(ctx context.Context, s storage.Store, out io.Writer) error {
	stats, err := s.Aggregate(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, stats)
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func generateGatewayKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "cognos_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeEnvKey sets name=value in envFile, replacing an existing line for
// name and keeping every other line.
func writeEnvKey(envFile, name, value string) error {
	entry := name + "=" + value

	data, err := os.ReadFile(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.WriteFile(envFile, []byte(entry+"\n"), 0o600)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, name+"=") {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}
	return os.WriteFile(envFile, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}
