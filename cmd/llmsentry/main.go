package main

import (
	"llm-sentry/internal/cli"
)

func main() {
	cli.Execute()
}
