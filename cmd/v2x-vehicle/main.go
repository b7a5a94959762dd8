package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/v2x/cmd/v2x-vehicle/app"
)

func main() {
	app.NewApp().Run()
}
