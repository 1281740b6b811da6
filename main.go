package main

import "github.com/tanq16/dlcore/cmd"

func main() {
	cmd.Execute()
}
