package main

import "github.com/xander1211-1/ocbot/cmd"

func main() {
	cmd.Execute()
}
