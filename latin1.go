package procpool

import "golang.org/x/text/encoding/charmap"

// latin1 decoding is intentional, not a stopgap: ISO-8859-1 is the only
// single-byte identity mapping from the full 0-255 byte range onto
// Unicode code points, so decoding with it and re-encoding with it later
// recovers the original bytes exactly — unlike UTF-8, which rejects or
// mangles arbitrary byte sequences. This matters when a child process
// encodes binary payloads (e.g. base64 frames) inline on a text stream.
// Do not "upgrade" this to UTF-8.

// decodeLine converts raw line bytes read from a child's stdout/stderr
// into a Go string via the ISO-8859-1 charmap, so arbitrary byte content
// survives the trip losslessly.
func decodeLine(b []byte) string {
	s, err := charmap.ISO8859_1.NewDecoder().String(string(b))
	if err != nil {
		// charmap.ISO8859_1 maps every byte value; String never errors in
		// practice, but fall back to the raw bytes rather than drop data.
		return string(b)
	}
	return s
}

// encodeLine is the inverse of decodeLine, used when a caller needs to
// recover the original bytes of a line produced by decodeLine.
func encodeLine(s string) []byte {
	out, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return []byte(s)
	}
	return []byte(out)
}
