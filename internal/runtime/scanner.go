package runtime

import (
	"bufio"
	"io"
)

// Model deltas are small, but artifact and research payloads routinely blow
// past bufio.Scanner's 64KB default line limit, so the stream scanner gets a
// larger ceiling up front.
const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 512 * 1024
)

func newStreamScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return scanner
}
