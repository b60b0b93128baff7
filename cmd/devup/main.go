package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/guseggert/devup/launcher"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

func main() {
	app := &cli.App{
		Name:  "devup",
		Usage: "free the dev ports, install dependencies, and start the backend and frontend dev servers",
		Action: func(ctx *cli.Context) error {
			l, err := launcher.New()
			if err != nil {
				return err
			}
			return l.Run(ctx.Context)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "devup: %s\n", err)
		if hint := launcher.Hint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		pauseForAck()
		os.Exit(1)
	}
}

// pauseForAck keeps the message on screen until the user acknowledges it,
// so a terminal window opened just for the launcher doesn't vanish with the
// error. No-op when stdin is not a terminal.
func pauseForAck() {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}
	fmt.Fprint(os.Stderr, "press enter to exit...")
	bufio.NewReader(os.Stdin).ReadString('\n')
}
