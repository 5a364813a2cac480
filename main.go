// File: main.go
package main

import "github.com/backtrace-labs/poireau/cmd"

func main() {
	cmd.Execute()
}
