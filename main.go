package main

import (
	"echofm/cmd"
)

func main() {
	cmd.Execute()
}
