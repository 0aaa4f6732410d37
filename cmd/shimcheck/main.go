// shimcheck is an operator tool for the translation shim: it dumps how a
// statement would be rewritten for PostgreSQL and can probe the configured
// backend for liveness and table sizes.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/jabrown93/plex-postgresql-sub002/internal/colconv"
	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
	"github.com/jabrown93/plex-postgresql-sub002/internal/translate"
)

type options struct {
	Config string `short:"c" long:"config" description:"config file path (default: auto-discovery)"`
	SQL    string `short:"s" long:"sql" description:"translate one statement and print the rewrite"`
	Probe  bool   `short:"p" long:"probe" description:"connect to the backend, check liveness and list table sizes"`
	Quiet  bool   `short:"q" long:"quiet" description:"print only the translated SQL, one line per statement"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS] -- statements are read from stdin when --sql is absent"
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "shimcheck: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	if opts.Probe {
		return probe(opts.Config)
	}
	if opts.SQL != "" {
		dump(opts.SQL, opts.Quiet)
		return nil
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		dump(line, opts.Quiet)
	}
	return errors.Wrap(sc.Err(), "reading stdin")
}

func dump(sql string, quiet bool) {
	tr := translate.Translate(sql)
	if quiet {
		fmt.Println(tr.SQL)
		return
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"KIND", "READ", "PARAMS", "FINGERPRINT", "ON DECK"})
	tw.Append([]string{
		kindName(tr.Class.Kind),
		strconv.FormatBool(tr.Class.Read),
		strconv.Itoa(tr.ParamCount),
		fmt.Sprintf("%016x", translate.Fingerprint(tr.SQL)),
		strconv.FormatBool(translate.OnDeck(sql)),
	})
	tw.Render()

	fmt.Printf("in:  %s\n", sql)
	fmt.Printf("out: %s\n", tr.SQL)
	for i, name := range tr.ParamNames {
		if name != "" {
			fmt.Printf("  $%d <- %s\n", i+1, tr.ParamTokens[i])
		}
	}
	fmt.Println()
}

func probe(configPath string) error {
	lr, err := config.LoadConfigWithPath(configPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	cfg := lr.Config
	if lr.ConfigPath != "" {
		fmt.Printf("config: %s\n", lr.ConfigPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	cl, err := pgclient.Connect(ctx, &cfg.Postgres, cfg.Cache.PreparedCapacity)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s:%d/%s",
			cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database)
	}
	defer cl.Close(context.Background())

	if err := cl.ApplySessionSettings(ctx); err != nil {
		return errors.Wrap(err, "applying session settings")
	}
	if err := cl.Ping(ctx); err != nil {
		return errors.Wrap(err, "ping")
	}
	fmt.Printf("backend: %s:%d/%s up (%s)\n",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database,
		time.Since(start).Round(time.Millisecond))

	res, err := cl.ExecParams(ctx,
		"SELECT relname, n_live_tup, pg_total_relation_size(relid) "+
			"FROM pg_stat_user_tables ORDER BY pg_total_relation_size(relid) DESC LIMIT 25", nil)
	if err != nil {
		return errors.Wrap(err, "querying table stats")
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"TABLE", "LIVE ROWS", "TOTAL SIZE"})
	var totalSize, totalRows int64
	for _, row := range res.Rows {
		if len(row) < 3 {
			continue
		}
		rows := colconv.ParseInt(row[1])
		size := colconv.ParseInt(row[2])
		totalRows += rows
		totalSize += size
		tw.Append([]string{
			string(row[0]),
			humanize.Comma(rows),
			humanize.Bytes(uint64(size)),
		})
	}
	tw.SetFooter([]string{"TOTAL", humanize.Comma(totalRows), humanize.Bytes(uint64(totalSize))})
	tw.Render()
	return nil
}

func kindName(k translate.Kind) string {
	switch k {
	case translate.KindSelect:
		return "SELECT"
	case translate.KindInsert:
		return "INSERT"
	case translate.KindUpdate:
		return "UPDATE"
	case translate.KindDelete:
		return "DELETE"
	case translate.KindDDL:
		return "DDL"
	case translate.KindTCL:
		return "TCL"
	case translate.KindPragma:
		return "PRAGMA"
	}
	return "OTHER"
}
