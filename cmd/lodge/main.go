package main

import "github.com/goldencompasses/lodge/cmd/lodge/cmd"

func main() {
	cmd.Execute()
}
