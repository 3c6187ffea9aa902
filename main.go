package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/andresmejia3/deepscan/cmd"
)

func main() {
	cmd.Execute()
}
