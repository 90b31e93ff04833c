package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/graphrun/streamsync"
)

const StreamSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Stream sync control.

Usage:
    streamsyncctl watch --url=<url> [--jwt=<jwt>]
        [--cursor_db=<cursor_db>]
        [--interval=<interval>]
    streamsyncctl state --url=<url> [--jwt=<jwt>]
        [--cursor_db=<cursor_db>]
        --run=<run_id>
        [--seq=<sequence>]
        [--settle=<settle>]
    streamsyncctl reset --url=<url> [--jwt=<jwt>]
        [--cursor_db=<cursor_db>]
    streamsyncctl cursors --cursor_db=<cursor_db>
    streamsyncctl decode <frame_file>
    streamsyncctl client-id --jwt=<jwt>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --url=<url>                Stream websocket url.
    --jwt=<jwt>                Your platform JWT.
    --cursor_db=<cursor_db>    Cursor store file. Omit for memory only.
    --interval=<interval>      Status print interval in seconds [default: 5].
    --run=<run_id>             Run to materialize.
    --seq=<sequence>           Materialize at this sequence instead of head.
    --settle=<settle>          Seconds to let the replay settle [default: 5].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StreamSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if state_, _ := opts.Bool("state"); state_ {
		state(opts)
	} else if reset_, _ := opts.Bool("reset"); reset_ {
		reset(opts)
	} else if cursors_, _ := opts.Bool("cursors"); cursors_ {
		cursors(opts)
	} else if decode_, _ := opts.Bool("decode"); decode_ {
		decode(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	}
}

func openStores(opts docopt.Opts) (*streamsync.CursorStore, *streamsync.RunStore) {
	cursorDbPath, _ := opts.String("--cursor_db")
	cursorStore, err := streamsync.NewCursorStore(cursorDbPath, nil)
	if err != nil {
		Err.Fatalf("Could not open cursor store (%s).", err)
	}
	return cursorStore, streamsync.NewRunStoreWithDefaults()
}

func openSession(
	ctx context.Context,
	opts docopt.Opts,
	cursorStore *streamsync.CursorStore,
	runStore *streamsync.RunStore,
) *streamsync.StreamSession {
	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")
	auth := &streamsync.ClientAuth{
		ByJwt:      jwt,
		AppVersion: fmt.Sprintf("streamsyncctl %s", StreamSyncCtlVersion),
	}
	return streamsync.NewStreamSessionWithDefaults(ctx, url, auth, cursorStore, runStore)
}

// follow the stream and print a one-line status on each interval
func watch(opts docopt.Opts) {
	interval := 5
	if interval_, err := opts.Int("--interval"); err == nil {
		interval = interval_
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursorStore, runStore := openStores(opts)
	defer cursorStore.Close()
	defer runStore.Close()

	session := openSession(cancelCtx, opts, cursorStore, runStore)
	defer session.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-session.Done():
			if err := session.TerminalErr(); err != nil {
				Err.Fatalf("Session stopped (%s).", err)
			}
			return
		case <-ticker.C:
			view := session.View()
			corrupted := 0
			resync := 0
			for _, run := range view.Runs {
				if run.Corrupted {
					corrupted += 1
				}
				if run.NeedsResync {
					resync += 1
				}
			}
			Out.Printf(
				"state=%s runs=%d corrupted=%d resync=%d pending=%d applied=%d quarantined=%d",
				view.State,
				len(view.Runs),
				corrupted,
				resync,
				view.Lag.PendingCount,
				view.Lag.AppliedCount,
				len(view.Quarantine),
			)
		}
	}
}

// materialize one run document and print it as JSON
func state(opts docopt.Opts) {
	runId, _ := opts.String("--run")
	sequence, _ := opts.String("--seq")
	settle := 5
	if settle_, err := opts.Int("--settle"); err == nil {
		settle = settle_
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursorStore, runStore := openStores(opts)
	defer cursorStore.Close()
	defer runStore.Close()

	session := openSession(cancelCtx, opts, cursorStore, runStore)
	defer session.Close()

	select {
	case <-time.After(time.Duration(settle) * time.Second):
	case <-session.Done():
		if err := session.TerminalErr(); err != nil {
			Err.Fatalf("Session stopped (%s).", err)
		}
	}

	var document any
	if sequence != "" {
		document_, err := runStore.StateAt(runId, sequence)
		if err != nil {
			Err.Fatalf("Could not materialize %s@%s (%s).", runId, sequence, err)
		}
		document = document_
	} else {
		view := session.View()
		for _, run := range view.Runs {
			if run.RunId == runId {
				document = run.Document
				if run.Corrupted {
					Err.Printf(
						"Warning: run is corrupted at seq %s (declared %s, computed %s).",
						run.Corruption.Sequence,
						run.Corruption.ExpectedHash,
						run.Corruption.ComputedHash,
					)
				}
				break
			}
		}
		if document == nil {
			Err.Fatalf("Run %s not found.", runId)
		}
	}

	out, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		Err.Fatalf("Could not marshal document (%s).", err)
	}
	Out.Printf("%s", out)
}

// ask the upstream to clear all cursors and start over from latest
func reset(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursorStore, runStore := openStores(opts)
	defer cursorStore.Close()
	defer runStore.Close()

	session := openSession(cancelCtx, opts, cursorStore, runStore)
	defer session.Close()

	// wait for the session to open, then request the reset
	end := time.Now().Add(30 * time.Second)
	for {
		if err := session.RequestCursorReset(); err == nil {
			break
		}
		if end.Before(time.Now()) {
			Err.Fatalf("Session did not open in time.")
		}
		time.Sleep(200 * time.Millisecond)
	}

	// give the reset-complete a moment to land and persist
	time.Sleep(2 * time.Second)
	Out.Printf("Cursor reset requested. Offsets now: %v", cursorStore.Offsets())
}

// dump the persisted cursor store
func cursors(opts docopt.Opts) {
	cursorDbPath, _ := opts.String("--cursor_db")
	cursorStore, err := streamsync.NewCursorStore(cursorDbPath, nil)
	if err != nil {
		Err.Fatalf("Could not open cursor store (%s).", err)
	}
	defer cursorStore.Close()

	for partition, offset := range cursorStore.Offsets() {
		Out.Printf("offset %s = %s", partition, offset)
	}
	for streamId, sequence := range cursorStore.Sequences() {
		Out.Printf("sequence %s = %s", streamId, sequence)
	}
}

// decode one captured wire frame from a file and print the message
func decode(opts docopt.Opts) {
	frameFile, _ := opts.String("<frame_file>")
	frame, err := os.ReadFile(frameFile)
	if err != nil {
		Err.Fatalf("Could not read frame (%s).", err)
	}

	message, err := streamsync.DecodeFrame(frame, nil)
	if err != nil {
		Err.Fatalf("Could not decode frame (%s).", err)
	}
	out, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		Err.Fatalf("Could not marshal message (%s).", err)
	}
	Out.Printf("%s", out)
}

// print the client id claim of a platform JWT
func clientId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	auth := &streamsync.ClientAuth{ByJwt: jwt}
	clientId, err := auth.ClientId()
	if err != nil {
		Err.Fatalf("Could not parse JWT (%s).", err)
	}
	if clientId == "" {
		Err.Fatalf("JWT does not have a client_id.")
	}
	Out.Printf("%s", clientId)
}
