package webhook

import "bytes"

// minBigIntDigits is the threshold above which a bare JSON integer token
// risks IEEE-754 precision loss if parsed as a float64, per the Telegram
// platform's 64-bit-but-occasionally-wider chat/user identifiers.
const minBigIntDigits = 15

// PreserveBigInts rewrites raw JSON bytes so that every bare integer number
// token of at least minBigIntDigits digits (and its negative form) is quoted
// as a string before the result reaches encoding/json. It is a byte-level
// lexer: it tracks string-literal state and leaves decimals, exponents, and
// already-quoted strings untouched.
func PreserveBigInts(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 16)

	i := 0
	inString := false
	for i < len(data) {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(data) {
				out.WriteByte(data[i+1])
				i += 2
				continue
			}
			if c == '"' {
				inString = false
			}
			i++
			continue
		}

		if c == '"' {
			inString = true
			out.WriteByte(c)
			i++
			continue
		}

		if c == '-' || (c >= '0' && c <= '9') {
			start := i
			j := i
			if data[j] == '-' {
				j++
			}
			digitStart := j
			for j < len(data) && data[j] >= '0' && data[j] <= '9' {
				j++
			}
			digitCount := j - digitStart
			if digitCount == 0 {
				// lone '-' outside a number context; copy verbatim.
				out.WriteByte(c)
				i++
				continue
			}

			isFloatOrExp := false
			if j < len(data) && data[j] == '.' {
				isFloatOrExp = true
				j++
				for j < len(data) && data[j] >= '0' && data[j] <= '9' {
					j++
				}
			}
			if j < len(data) && (data[j] == 'e' || data[j] == 'E') {
				isFloatOrExp = true
				j++
				if j < len(data) && (data[j] == '+' || data[j] == '-') {
					j++
				}
				for j < len(data) && data[j] >= '0' && data[j] <= '9' {
					j++
				}
			}

			token := data[start:j]
			if !isFloatOrExp && digitCount >= minBigIntDigits {
				out.WriteByte('"')
				out.Write(token)
				out.WriteByte('"')
			} else {
				out.Write(token)
			}
			i = j
			continue
		}

		out.WriteByte(c)
		i++
	}
	return out.Bytes()
}
