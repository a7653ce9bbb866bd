// Command ragfaq answers questions from an FAQ knowledge base. It ingests a
// delimited question/answer dataset into a vector index and answers
// questions from the nearest entries, either once from the CLI or over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragfaq/cmd/ragfaq/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
