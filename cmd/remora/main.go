package main

import "github.com/nfrund/remora/cmd/remora/cmd"

func main() {
	cmd.Execute()
}
