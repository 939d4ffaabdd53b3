package main

import (
	"os"

	"github.com/evergreen-ci/ticketer/operations"
	"github.com/mongodb/grip"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "ticketer"
	app.Usage = "synchronize CI test failures with the issue tracker"
	app.Commands = []cli.Command{
		operations.Service(),
	}

	grip.EmergencyFatal(app.Run(os.Args))
}
