package main

import "sensorwatch/internal/cli"

func main() {
	cli.Execute()
}
