package main

import "price-radar/internal/cli"

func main() {
	cli.Execute()
}
