// eqadmin drives a cluster rendering config by hand: load a YAML config,
// bring its canvases up, switch layouts, watch channels mirrored from
// other members.
//
//	eqadmin -src 1 -listen tcp://:4100 -config wall.yaml
package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/drpcorg/fabric/transport"
	"github.com/drpcorg/fabric/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("load"),
	readline.PcItem("init"),
	readline.PcItem("exit"),
	readline.PcItem("canvases"),
	readline.PcItem("layout"),
	readline.PcItem("compounds"),
	readline.PcItem("channels"),
	readline.PcItem("finish"),

	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("peers"),
	readline.PcItem("mirror"),
	readline.PcItem("show"),
	readline.PcItem("command"),
	readline.PcItem("metrics"),

	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func main() {
	var opts Options
	var verbose, jsonLog bool
	var config, listen, certFile, keyFile string
	var writeTimeout time.Duration
	flag.Uint64Var(&opts.Src, "src", 1, "cluster member number")
	flag.StringVar(&opts.StoreDir, "store", "", "baseline store directory, none if empty")
	flag.StringVar(&listen, "listen", "", "address to accept members on, e.g. tcp://:4100")
	flag.StringVar(&config, "config", "", "YAML config to load on start")
	flag.StringVar(&opts.History, "history", ".eqadmin_history", "readline history file")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.BoolVar(&jsonLog, "json", false, "log JSON lines instead of text")
	flag.StringVar(&certFile, "tls-cert", "", "certificate for tls:// addresses")
	flag.StringVar(&keyFile, "tls-key", "", "key for tls:// addresses")
	flag.DurationVar(&writeTimeout, "write-timeout", 0, "member connection write timeout, none if 0")
	flag.Parse()

	opts.LogLevel = slog.LevelInfo
	if verbose {
		opts.LogLevel = slog.LevelDebug
	}
	if jsonLog {
		opts.Log = utils.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr,
			&slog.HandlerOptions{Level: opts.LogLevel})))
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(-1)
		}
		opts.Net = append(opts.Net, &transport.TlsConfigOpt{Config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}})
	}
	if writeTimeout > 0 {
		opts.Net = append(opts.Net, &transport.WriteTimeoutOpt{Timeout: writeTimeout})
	}

	admin, err := NewAdmin(opts)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	defer func() { _ = admin.Close() }()

	for _, boot := range []string{prefixed("listen", listen), prefixed("load", config)} {
		if boot == "" {
			continue
		}
		if err := admin.Execute(boot); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %s\n", boot, err.Error())
			os.Exit(-2)
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◫ ",
		HistoryFile:     opts.History,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		} else if errors.Is(err, io.EOF) {
			break
		}
		err = admin.Execute(line)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		}
	}
}

func prefixed(cmd, arg string) string {
	if strings.TrimSpace(arg) == "" {
		return ""
	}
	return cmd + " " + arg
}
