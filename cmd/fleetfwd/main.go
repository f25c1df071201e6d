package main

import (
	_ "go.uber.org/automaxprocs"

	"fleetfw.io/fleetfw/cmd/fleetfwd/app"
)

func main() {
	app.NewApp().Run()
}
