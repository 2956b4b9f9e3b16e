package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/lumenforge/weave/weave"
)

const WeaveCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Weave control.

Usage:
    weavectl relay --listen=<listen_addr>
    weavectl tail (--db=<db_path> | --pg=<pg_dsn>)
        [--subject=<subject_pattern>]
        [--from=<from_seq>]
    weavectl subject <event_type> <subsystem>
        [--root=<subject_root>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --listen=<listen_addr>         Relay listen address, e.g. :7801.
    --db=<db_path>                 Sqlite event log path.
    --pg=<pg_dsn>                  Postgres event log dsn.
    --subject=<subject_pattern>    Subject filter with * wildcards.
    --from=<from_seq>              Start sequence [default: 0].
    --root=<subject_root>          Subject root [default: WEAVE].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WeaveCtlVersion)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if subject_, _ := opts.Bool("subject"); subject_ {
		subject(opts)
	}
}

func relay(opts docopt.Opts) {
	listenAddr, err := opts.String("--listen")
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	relayServer := weave.NewRelayServerWithDefaults(ctx, listenAddr)
	if err := relayServer.Start(); err != nil {
		Err.Printf("relay exit = %s\n", err)
	}
}

func tail(opts docopt.Opts) {
	eventLog, err := openEventLog(opts)
	if err != nil {
		panic(err)
	}
	defer eventLog.Close()

	subjectPattern, _ := opts.String("--subject")
	fromStr, _ := opts.String("--from")
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		panic(err)
	}

	records, err := eventLog.Read(context.Background(), subjectPattern, from, 0)
	if err != nil {
		panic(err)
	}
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			continue
		}
		Out.Printf("%s\n", line)
	}
}

func subject(opts docopt.Opts) {
	eventType, err := opts.String("<event_type>")
	if err != nil {
		panic(err)
	}
	subsystem, err := opts.String("<subsystem>")
	if err != nil {
		panic(err)
	}
	subjectRoot, _ := opts.String("--root")

	Out.Printf("%s\n", weave.SubjectForEvent(subjectRoot, subsystem, eventType))
}

func openEventLog(opts docopt.Opts) (weave.EventLog, error) {
	if dbPath, err := opts.String("--db"); err == nil && dbPath != "" {
		return weave.OpenSqliteEventLog(dbPath)
	}
	if pgDsn, err := opts.String("--pg"); err == nil && pgDsn != "" {
		return weave.OpenPostgresEventLog(pgDsn)
	}
	return nil, fmt.Errorf("no event log configured")
}
