package socksbridge

import (
	"errors"
	"log"
)

// ErrBridgeStarted is returned by Start and Serve on a bridge that is no
// longer in its initial state.
var ErrBridgeStarted = errors.New("bridge has already been started")

// logError logs err with a prefix, or does nothing for nil.
func logError(err error, prefix string) {
	if err == nil {
		return
	}
	log.Println(prefix, err.Error())
}
