package socksbridge

import "bytes"

// Fuzz is go-fuzz's fuzzing function, targeting the request parser.
func Fuzz(data []byte) int {
	req, err := parseRequest(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	_ = req.Target()
	return 1
}
