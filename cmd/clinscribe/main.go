// Command clinscribe records clinical encounters, transcribes them and
// drafts clinical notes.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
