// Command supervise-journal prints the newest events of a supervise journal.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"git.unix.lgbt/diamondburned/supervise/supervise/journal"
)

var (
	count  int
	prefix string
)

func init() {
	flag.IntVar(&count, "n", 20, "number of events to print, 0 for all")
	flag.StringVar(&prefix, "p", "", "prefix each line with this string")
	flag.Usage = func() {
		f := func(f string, v ...interface{}) {
			fmt.Fprintf(flag.CommandLine.Output(), f, v...)
		}

		f("Usage:\n")
		f("  %s [-n count] [-p prefix] <journal>\n", filepath.Base(os.Args[0]))
		f("\n")
		f("Events are printed newest first.\n")
		f("\n")
		f("Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log.SetFlags(0)
}

func main() {
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	entries, err := journal.ReadLast(flag.Arg(0), count)

	for _, entry := range entries {
		fmt.Println(journal.FormatHuman(entry.Time.Local(), prefix, entry.Event))
	}

	if err != nil {
		log.Fatalln("failed to read journal:", err)
	}
}
