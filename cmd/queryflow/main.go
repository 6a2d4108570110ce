package main

import "github.com/vietddude/queryflow/internal/cli"

func main() {
	cli.Execute()
}
