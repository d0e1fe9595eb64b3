package util

import (
	"bufio"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// hex digits a non-negative int holds without overflow
const maxHexIntChars = strconv.IntSize/4 - 1

var (
	errEmptyHexNum    = errors.New("empty hex number")
	errTooLargeHexNum = errors.New("too large hex number")
)

// ReadHexInt reads a hex number from r, stopping before the first
// non-hex byte
func ReadHexInt(r *bufio.Reader) (int, error) {
	n, digits := 0, 0
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && digits > 0 {
				return n, nil
			}
			return -1, err
		}
		k := hex2intTable[c]
		if k == 16 {
			if digits == 0 {
				return -1, errEmptyHexNum
			}
			r.UnreadByte()
			return n, nil
		}
		if digits >= maxHexIntChars {
			return -1, errTooLargeHexNum
		}
		n = n<<4 | int(k)
		digits++
	}
}

var hex2intTable = func() [256]byte {
	var b [256]byte
	for i := range b {
		c := byte(i)
		switch {
		case c >= '0' && c <= '9':
			b[i] = c - '0'
		case c >= 'a' && c <= 'f':
			b[i] = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			b[i] = c - 'A' + 10
		default:
			b[i] = 16
		}
	}
	return b
}()
