package main

import (
	"time"

	"github.com/gigapi/gigapi-lakehouse/cmd"
)

func main() {
	time.Local = time.UTC
	cmd.Execute()
}
