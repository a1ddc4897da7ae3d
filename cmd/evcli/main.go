package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/urfave/cli/v2"
)

var (
	evcliHistFileEnv     = "EVCLI_HISTFILE"
	evcliHistFileDefault = ".evcli_history"
)

func main() {
	app := &cli.App{
		Name:  "evcli",
		Usage: "interactive client for echod",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "port",
				Value: 7000,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	addr := fmt.Sprintf("%s:%d", c.String("host"), c.Int("port"))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	reply := bufio.NewReader(conn)

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return pipeMode(conn, reply)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histFile := historyPath()
	if f, err := os.Open(histFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt(addr + "> ")
		if err != nil {
			// EOF or Ctrl-C both end the session.
			return nil
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)

		if _, err := fmt.Fprintln(conn, input); err != nil {
			return err
		}
		echoed, err := reply.ReadString('\n')
		if err != nil {
			return err
		}
		fmt.Print(echoed)
	}
}

func pipeMode(conn net.Conn, reply *bufio.Reader) error {
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		if _, err := fmt.Fprintln(conn, in.Text()); err != nil {
			return err
		}
		echoed, err := reply.ReadString('\n')
		if err != nil {
			return err
		}
		fmt.Print(echoed)
	}
	return in.Err()
}

func historyPath() string {
	if p := os.Getenv(evcliHistFileEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return evcliHistFileDefault
	}
	return filepath.Join(home, evcliHistFileDefault)
}
