// The main package for the reportd executable.
package main

import (
	"github.com/abirangers/lbf-lunarai-web-v4/cmd"
)

func main() {
	cmd.Execute()
}
